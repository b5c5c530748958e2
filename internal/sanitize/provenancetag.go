package sanitize

// Custom-field names under which the ProvenanceTag is stored on every
// migrated OpenProject entity. Authoritative per spec.md §3.1; never
// rewritten once created.
const (
	FieldOriginSystem = "J2O Origin System"
	FieldOriginID     = "J2O Origin ID"
	FieldOriginKey    = "J2O Origin Key"
	FieldOriginURL    = "J2O Origin URL"

	OriginSystemJira = "jira"
)

// ProvenanceTag is the authoritative Jira->OpenProject identity record,
// written as custom-field values on every migrated entity.
type ProvenanceTag struct {
	OriginSystem string
	OriginID     string
	OriginKey    string
	OriginURL    string
}

// NewProvenanceTag builds a ProvenanceTag for a Jira-origin entity.
func NewProvenanceTag(originID, originKey, originURL string) ProvenanceTag {
	return ProvenanceTag{
		OriginSystem: OriginSystemJira,
		OriginID:     originID,
		OriginKey:    originKey,
		OriginURL:    originURL,
	}
}

// AsCustomFieldAssignments renders the tag as the four custom-field
// assignments a RemoteScript's Load step writes verbatim.
func (t ProvenanceTag) AsCustomFieldAssignments() map[string]string {
	return map[string]string{
		FieldOriginSystem: t.OriginSystem,
		FieldOriginID:     t.OriginID,
		FieldOriginKey:    t.OriginKey,
		FieldOriginURL:    t.OriginURL,
	}
}

// AttachProvenance attaches tag's custom-field assignments to rec under
// the "provenance_tag" attribute key, the shape every Rails body
// template expects to find it.
func AttachProvenance(rec *MappedRecord, tag ProvenanceTag) {
	rec.Attributes["provenance_tag"] = tag.AsCustomFieldAssignments()
}
