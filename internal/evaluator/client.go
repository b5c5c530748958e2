// Package evaluator implements the L1 evaluator client: the public API
// of the remote-execution stack. It composes sshx, containerx, and
// console into execute/transfer_file_in/transfer_file_out/health_check.
package evaluator

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/netresearch/j2o-core/internal/console"
	"github.com/netresearch/j2o-core/internal/containerx"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"go.uber.org/zap"
)

// ScriptExecutionError means the Ruby evaluator itself raised. It is
// non-retryable; the raw console bytes and any partial result file are
// preserved on the struct for postmortem inspection.
type ScriptExecutionError struct {
	Nonce       string
	ConsoleRaw  []byte
	PartialFile []byte
}

func (e *ScriptExecutionError) Error() string {
	return fmt.Sprintf("evaluator: script %s raised an error", e.Nonce)
}

// ResultParseError means the JSON_OUTPUT_START/END sentinels were
// missing from the captured console output. Fatal for the batch.
type ResultParseError struct {
	Nonce string
	Raw   []byte
	Err   error
}

func (e *ResultParseError) Error() string {
	return fmt.Sprintf("evaluator: result parse failed for %s: %v", e.Nonce, e.Err)
}

func (e *ResultParseError) Unwrap() error { return e.Err }

const (
	beginMarker      = "JSON_OUTPUT_START"
	endMarker        = "JSON_OUTPUT_END"
	remoteTempPrefix = "/tmp"
)

// RemoteResult is the parsed JSON payload an executed script produced
// between the JSON_OUTPUT_START/END sentinels (or, in file mode, in its
// result file).
type RemoteResult struct {
	Raw json.RawMessage
}

// Client is the public L1 API consumed by the Rails script composer and
// every component's Load phase.
type Client struct {
	adapter *containerx.Adapter
	session *console.Session
	logger  *observability.Logger
}

// New creates an evaluator Client.
func New(adapter *containerx.Adapter, session *console.Session, logger *observability.Logger) *Client {
	return &Client{adapter: adapter, session: session, logger: logger}
}

// Execute writes inputPayload (if any) and scriptText to remote temp
// files, loads the script in the console session, adaptively polls for
// the END sentinel, then extracts and parses the result JSON between
// the JSON_OUTPUT_START/END markers, per spec.md §4.1's seven-step
// protocol. The input, script and result temp files are all deleted
// before returning, success or failure.
func (c *Client) Execute(ctx context.Context, scriptText string, inputPayload []byte, timeout time.Duration) (*RemoteResult, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("evaluator: generate nonce: %w", err)
	}
	return c.executeWithNonce(ctx, scriptText, nonce, inputPayload, timeout)
}

// ExecuteModel composes a RemoteScript for model through composer and
// executes it, generating a single nonce shared between the composed
// head's J2O_INPUT_PATH/J2O_RESULT_PATH and the actual temp files this
// method writes and reads; the two must agree, since the head is pure
// string interpolation and has no other way to learn the paths Execute
// chooses.
func (c *Client) ExecuteModel(ctx context.Context, composer *railsgen.Composer, model, component string, batchIndex int, disableValidations bool, inputPayload []byte, timeout time.Duration) (*RemoteResult, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("evaluator: generate nonce: %w", err)
	}

	inputPath := fmt.Sprintf("%s/j2o_in_%s.json", remoteTempPrefix, nonce)
	resultPath := fmt.Sprintf("%s/j2o_out_%s.json", remoteTempPrefix, nonce)

	lintFlag := "false"
	if disableValidations {
		lintFlag = "true"
	}

	script, err := composer.Compose(model, railsgen.HeadParams{
		InputPath:   inputPath,
		ResultPath:  resultPath,
		Nonce:       nonce,
		Component:   component,
		BatchIndex:  batchIndex,
		DisableLint: lintFlag,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluator: compose script: %w", err)
	}

	return c.executeWithNonce(ctx, script.Text, nonce, inputPayload, timeout)
}

func (c *Client) executeWithNonce(ctx context.Context, scriptText, nonce string, inputPayload []byte, timeout time.Duration) (*RemoteResult, error) {
	inputPath := fmt.Sprintf("%s/j2o_in_%s.json", remoteTempPrefix, nonce)
	scriptPath := fmt.Sprintf("%s/j2o_%s.rb", remoteTempPrefix, nonce)
	resultPath := fmt.Sprintf("%s/j2o_out_%s.json", remoteTempPrefix, nonce)

	defer c.cleanup(context.Background(), inputPath, scriptPath, resultPath)

	if inputPayload != nil {
		if err := c.adapter.CopyIn(ctx, inputPayload, inputPath); err != nil {
			return nil, fmt.Errorf("evaluator: copy input payload: %w", err)
		}
	}

	framedScript := frameScript(scriptText, nonce, resultPath)
	if err := c.adapter.CopyIn(ctx, []byte(framedScript), scriptPath); err != nil {
		return nil, fmt.Errorf("evaluator: copy script: %w", err)
	}

	captured, err := c.session.Evaluate(ctx, scriptPath, nonce, timeout)
	if err != nil {
		return nil, err
	}

	if bytes.Contains(captured, []byte("RAISED:"+nonce)) {
		partial, _ := c.adapter.CopyOut(ctx, resultPath)
		return nil, &ScriptExecutionError{Nonce: nonce, ConsoleRaw: captured, PartialFile: partial}
	}

	result, err := c.extractResult(ctx, captured, nonce, resultPath)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// frameScript wraps scriptText with the BEGIN/END sentinel prints and a
// result-file fallback path the script may write to instead of stdout.
func frameScript(scriptText, nonce, resultPath string) string {
	return fmt.Sprintf(`puts "BEGIN:%s"
J2O_RESULT_PATH = %q
begin
%s
rescue => e
  puts "RAISED:%s"
  puts e.message
  puts e.backtrace.join("\n")
ensure
  puts "END:%s"
end
`, nonce, resultPath, scriptText, nonce, nonce)
}

// extractResult pulls the JSON between JSON_OUTPUT_START/END out of the
// captured console bytes; if absent, falls back to reading the result
// file (file mode).
func (c *Client) extractResult(ctx context.Context, captured []byte, nonce, resultPath string) (*RemoteResult, error) {
	if start := bytes.Index(captured, []byte(beginMarker)); start != -1 {
		if end := bytes.Index(captured[start:], []byte(endMarker)); end != -1 {
			payload := captured[start+len(beginMarker) : start+end]
			payload = bytes.TrimSpace(payload)
			if json.Valid(payload) {
				return &RemoteResult{Raw: json.RawMessage(payload)}, nil
			}
			return nil, &ResultParseError{Nonce: nonce, Raw: captured, Err: fmt.Errorf("payload between sentinels is not valid JSON")}
		}
	}

	fileBytes, err := c.adapter.CopyOut(ctx, resultPath)
	if err != nil {
		return nil, &ResultParseError{Nonce: nonce, Raw: captured, Err: fmt.Errorf("no stdout sentinels and result file unreadable: %w", err)}
	}
	if !json.Valid(fileBytes) {
		return nil, &ResultParseError{Nonce: nonce, Raw: captured, Err: fmt.Errorf("result file is not valid JSON")}
	}
	return &RemoteResult{Raw: json.RawMessage(fileBytes)}, nil
}

func (c *Client) cleanup(ctx context.Context, paths ...string) {
	for _, p := range paths {
		if _, _, _, err := c.adapter.Exec(ctx, fmt.Sprintf("rm -f %s", shellQuote(p)), nil, 10*time.Second); err != nil {
			c.logger.Warn("evaluator: temp file cleanup failed", zap.Error(err))
		}
	}
}

// TransferFileIn copies localBytes to remotePath inside the target container.
func (c *Client) TransferFileIn(ctx context.Context, localBytes []byte, remotePath string) error {
	return c.adapter.CopyIn(ctx, localBytes, remotePath)
}

// TransferFileOut copies remotePath out of the target container.
func (c *Client) TransferFileOut(ctx context.Context, remotePath string) ([]byte, error) {
	return c.adapter.CopyOut(ctx, remotePath)
}

// HealthCheck verifies console readiness without side effects.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.adapter.EnsureRunning(ctx); err != nil {
		return err
	}
	return c.session.HealthCheck(ctx)
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
