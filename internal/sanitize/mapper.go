// Package sanitize implements the L3 Sanitizer & Mapper: pure functions
// that transform Jira JSON into OpenProject-ready attribute maps. No I/O.
package sanitize

import (
	"encoding/json"
	"fmt"
)

// MappingError reports that a required ActiveRecord attribute was
// missing or nil after mapping. Raised by map(source) per spec.md §4.3
// rule 4.
type MappingError struct {
	EntityType string
	Field      string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("sanitize: %s: required field %q missing or nil after mapping", e.EntityType, e.Field)
}

// MappedRecord is the sanitized target attribute map, ready for
// ActiveRecord instantiation. Keys are OpenProject attribute names;
// values are primitives or foreign-key IDs (no link objects, no API
// envelope keys).
type MappedRecord struct {
	EntityType string
	OriginKey  string
	Attributes map[string]any
}

// MarshalJSON flattens OriginKey and Attributes into a single object,
// the row shape every Rails body template reads with row["..."]. The
// entity type is load-path metadata, not a row attribute, and is
// deliberately omitted.
func (r *MappedRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Attributes)+1)
	for k, v := range r.Attributes {
		flat[k] = v
	}
	flat["origin_key"] = r.OriginKey
	return json.Marshal(flat)
}

// fieldSpec whitelists one source attribute and names the target
// attribute it maps to. Source fields not named here are dropped.
type fieldSpec struct {
	sourceKey string
	targetKey string
	required  bool
}

// entitySchema is the whitelist + required-field set for one entity type.
type entitySchema struct {
	entityType string
	fields     []fieldSpec
}

var schemas = map[string]entitySchema{
	"user": {
		entityType: "user",
		fields: []fieldSpec{
			{"emailAddress", "mail", true},
			{"name", "login", true},
			{"displayName", "display_name", false},
			{"active", "active", true},
			{"locale", "language", false},
		},
	},
	"project": {
		entityType: "project",
		fields: []fieldSpec{
			{"key", "identifier", true},
			{"name", "name", true},
			{"description", "description", false},
			{"lead", "lead_user_id", false},
		},
	},
	"issue": {
		entityType: "work_package",
		fields: []fieldSpec{
			{"summary", "subject", true},
			{"description", "description", false},
			{"issuetype", "type_id", true},
			{"status", "status_id", true},
			{"priority", "priority_id", true},
			{"project", "project_id", true},
			{"reporter", "author_id", true},
			{"assignee", "assigned_to_id", false},
		},
	},
	"component": {
		entityType: "component",
		fields: []fieldSpec{
			{"name", "name", true},
			{"description", "description", false},
		},
	},
	"version": {
		entityType: "version",
		fields: []fieldSpec{
			{"name", "name", true},
			{"releaseDate", "effective_date", false},
			{"released", "status", false},
		},
	},
	"group": {
		entityType: "group",
		fields: []fieldSpec{
			{"name", "name", true},
		},
	},
	"custom_field": {
		entityType: "custom_field",
		fields: []fieldSpec{
			{"name", "name", true},
			{"schemaType", "field_format", true},
		},
	},
	"issue_type": {
		entityType: "issue_type",
		fields: []fieldSpec{
			{"name", "name", true},
			{"subtask", "is_default", false},
		},
	},
	"status": {
		entityType: "status",
		fields: []fieldSpec{
			{"name", "name", true},
			{"statusCategory", "is_closed", false},
		},
	},
	"priority": {
		entityType: "priority",
		fields: []fieldSpec{
			{"name", "name", true},
			{"iconUrl", "color", false},
		},
	},
	"label": {
		entityType: "label",
		fields: []fieldSpec{
			{"name", "name", true},
		},
	},
	"time_entry": {
		entityType: "time_entry",
		fields: []fieldSpec{
			{"hours", "hours", true},
			{"dateStarted", "spent_on", true},
			{"comment", "comments", false},
			{"worker", "user_id", true},
			{"issue", "work_package_id", true},
			{"activityType", "activity_id", false},
		},
	},
	"attachment": {
		entityType: "attachment",
		fields: []fieldSpec{
			{"filename", "filename", true},
			{"author", "author_id", true},
			{"created", "created_at", false},
			{"issue", "work_package_id", true},
			{"content", "content_path", true},
		},
	},
	"watcher": {
		entityType: "watcher",
		fields: []fieldSpec{
			{"watcher", "user_id", true},
			{"issue", "work_package_id", true},
		},
	},
	"remote_link": {
		entityType: "remote_link",
		fields: []fieldSpec{
			{"url", "url", true},
			{"title", "title", false},
			{"issue", "work_package_id", true},
		},
	},
	"workflow": {
		entityType: "workflow",
		fields: []fieldSpec{
			{"name", "name", true},
			{"description", "description", false},
		},
	},
	"relation": {
		entityType: "relation",
		fields: []fieldSpec{
			{"fromIssue", "from_id", true},
			{"toIssue", "to_id", true},
			{"relationType", "relation_type", true},
		},
	},
}

// Map applies the whitelist/required/link-flattening rules for
// entityType to source, a decoded Jira JSON object (already stripped of
// its outer envelope by the caller's Jira client adapter). It attaches
// no ProvenanceTag; callers call AttachProvenance separately so that Map
// stays a pure function of source alone.
func Map(entityType string, source map[string]any, originKey string) (*MappedRecord, error) {
	schema, ok := schemas[entityType]
	if !ok {
		return nil, fmt.Errorf("sanitize: no schema registered for entity type %q", entityType)
	}

	attrs := make(map[string]any, len(schema.fields))
	for _, f := range schema.fields {
		raw, present := source[f.sourceKey]
		value := FlattenLink(raw)

		if !present || value == nil {
			if f.required {
				return nil, &MappingError{EntityType: entityType, Field: f.targetKey}
			}
			continue
		}
		attrs[f.targetKey] = value
	}

	return &MappedRecord{EntityType: entityType, OriginKey: originKey, Attributes: attrs}, nil
}

// FieldMapper returns a lookup from entityType's whitelisted source
// field name to its mapped target attribute name, the same rename
// Map itself applies; exposed separately for callers (journal
// reconstruction) that need to rename a changelog field without
// running the full Map pipeline on it.
func FieldMapper(entityType string) func(string) (string, bool) {
	schema, ok := schemas[entityType]
	if !ok {
		return func(string) (string, bool) { return "", false }
	}
	lookup := make(map[string]string, len(schema.fields))
	for _, f := range schema.fields {
		lookup[f.sourceKey] = f.targetKey
	}
	return func(jiraField string) (string, bool) {
		target, ok := lookup[jiraField]
		return target, ok
	}
}

// FlattenLink converts a Jira HAL-style link object ({"self": "...",
// "id": "5", ...} or {"href": ".../types/5"}) into a scalar id value.
// Non-link values pass through unchanged.
func FlattenLink(raw any) any {
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw
	}

	if id, ok := obj["id"]; ok {
		return id
	}
	if href, ok := obj["href"].(string); ok {
		return idFromHref(href)
	}
	if name, ok := obj["name"].(string); ok {
		// Links that only carry a display name (e.g. status/priority
		// objects from older Jira responses) resolve through the
		// caller's provenance/mapping lookup, not here; surface the name
		// so Map can pass it through for that lookup.
		return name
	}
	return raw
}

// idFromHref extracts the trailing path segment of a REST link, e.g.
// "https://.../rest/api/2/issuetype/5" -> "5".
func idFromHref(href string) string {
	last := len(href) - 1
	for last >= 0 && href[last] == '/' {
		last--
	}
	start := last
	for start >= 0 && href[start] != '/' {
		start--
	}
	if start == last {
		return ""
	}
	return href[start+1 : last+1]
}
