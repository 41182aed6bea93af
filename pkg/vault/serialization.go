package vault

import (
	"bytes"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontMatterDelim separates YAML front-matter from the Markdown body in
// plan and approval files.
const frontMatterDelim = "---"

// marshalFrontMatter renders a front-matter document: delimiter, YAML,
// delimiter, then the body verbatim.
func marshalFrontMatter(meta any, body string) ([]byte, error) {
	raw, err := yaml.Marshal(meta)
	if err != nil {
		return nil, Errorf(KindSchemaInvalid, "encoding front-matter: %v", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(raw)
	buf.WriteString(frontMatterDelim + "\n")
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// splitFrontMatter separates the YAML front-matter block from the body. The
// document must start with the delimiter on its own first line, and the
// closing delimiter must also sit alone on a line.
func splitFrontMatter(data []byte) (meta []byte, body string, err error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, "", Errorf(KindSchemaInvalid, "document does not start with front-matter")
	}
	rest := text[len(frontMatterDelim)+1:]
	if idx := strings.Index(rest, "\n"+frontMatterDelim+"\n"); idx >= 0 {
		meta = []byte(rest[:idx+1])
		body = rest[idx+1+len(frontMatterDelim)+1:]
		body = strings.TrimPrefix(body, "\n")
		return meta, body, nil
	}
	if strings.HasSuffix(rest, "\n"+frontMatterDelim) {
		return []byte(strings.TrimSuffix(rest, frontMatterDelim)), "", nil
	}
	return nil, "", Errorf(KindSchemaInvalid, "front-matter is not terminated")
}

// WriteActionFile atomically writes an action as a plain YAML document.
func WriteActionFile(path string, action *Action) error {
	if err := action.Validate(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(action)
	if err != nil {
		return Errorf(KindSchemaInvalid, "encoding action %s: %v", action.ID, err)
	}
	return WriteFileAtomic(path, raw, 0o644)
}

// ReadActionFile loads and validates an action YAML document.
func ReadActionFile(path string) (*Action, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WrapError(KindFileNotFound, err, "action file %s", path)
		}
		return nil, WrapError(KindMoveFailed, err, "reading action file %s", path)
	}
	var action Action
	if err := yaml.Unmarshal(raw, &action); err != nil {
		return nil, Errorf(KindSchemaInvalid, "decoding action file %s: %v", path, err)
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return &action, nil
}

// WritePlanFile atomically writes a plan: YAML front-matter plus a Markdown
// body, which is preserved verbatim on the way back in.
func WritePlanFile(path string, plan *Plan, body string) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	doc, err := marshalFrontMatter(plan, body)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, doc, 0o644)
}

// ReadPlanFile loads a plan file, returning the validated front-matter and
// the untouched Markdown body.
func ReadPlanFile(path string) (*Plan, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", WrapError(KindFileNotFound, err, "plan file %s", path)
		}
		return nil, "", WrapError(KindMoveFailed, err, "reading plan file %s", path)
	}
	meta, body, err := splitFrontMatter(raw)
	if err != nil {
		return nil, "", Errorf(KindSchemaInvalid, "plan file %s: %v", path, err)
	}
	var plan Plan
	if err := yaml.Unmarshal(meta, &plan); err != nil {
		return nil, "", Errorf(KindSchemaInvalid, "decoding plan file %s: %v", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, "", err
	}
	return &plan, body, nil
}

// WriteApprovalFile atomically writes an approval record with front-matter
// and an optional Markdown body describing the decision.
func WriteApprovalFile(path string, approval *Approval, body string) error {
	if err := approval.Validate(); err != nil {
		return err
	}
	doc, err := marshalFrontMatter(approval, body)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, doc, 0o644)
}

// ReadApprovalFile loads an approval record and its body.
func ReadApprovalFile(path string) (*Approval, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", WrapError(KindFileNotFound, err, "approval file %s", path)
		}
		return nil, "", WrapError(KindMoveFailed, err, "reading approval file %s", path)
	}
	meta, body, err := splitFrontMatter(raw)
	if err != nil {
		return nil, "", Errorf(KindSchemaInvalid, "approval file %s: %v", path, err)
	}
	var approval Approval
	if err := yaml.Unmarshal(meta, &approval); err != nil {
		return nil, "", Errorf(KindSchemaInvalid, "decoding approval file %s: %v", path, err)
	}
	if err := approval.Validate(); err != nil {
		return nil, "", err
	}
	return &approval, body, nil
}

// WriteDeadLetterMeta atomically writes the quarantine sidecar as YAML.
func WriteDeadLetterMeta(path string, meta *DeadLetterMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(meta)
	if err != nil {
		return Errorf(KindSchemaInvalid, "encoding dead letter record %s: %v", meta.Stem, err)
	}
	return WriteFileAtomic(path, raw, 0o644)
}

// ReadDeadLetterMeta loads and validates a quarantine sidecar.
func ReadDeadLetterMeta(path string) (*DeadLetterMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WrapError(KindFileNotFound, err, "dead letter record %s", path)
		}
		return nil, WrapError(KindMoveFailed, err, "reading dead letter record %s", path)
	}
	var meta DeadLetterMeta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, Errorf(KindSchemaInvalid, "decoding dead letter record %s: %v", path, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}
