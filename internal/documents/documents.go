// Package documents renders contract documents and stores them on disk.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

const defaultTerms = "Standard terms and conditions apply."

// Input is everything a contract document shows.
type Input struct {
	ContractID   string
	ProjectID    string
	ProjectTitle string
	Description  string
	ClientID     string
	ContractorID string
	Amount       float64
	Currency     string
	Notes        string
	GeneratedAt  time.Time
}

// Renderer produces a contract document and returns a reference to it. Render
// must honour ctx cancellation.
type Renderer interface {
	Render(ctx context.Context, in Input) (string, error)
}

var contractTemplate = template.Must(template.New("contract").Parse(`SERVICE CONTRACT
Contract: {{.ContractID}}
Project:  {{.ProjectTitle}} ({{.ProjectID}})
Date:     {{.GeneratedAt.Format "2006-01-02"}}

Client:     {{.ClientID}}
Contractor: {{.ContractorID}}

Scope of work:
{{.Description}}

Price: {{printf "%.2f" .Amount}} {{.Currency}}

Terms and conditions:
{{.Terms}}

Client signature:     ____________________
Contractor signature: ____________________
`))

// Remover is implemented by renderers that can drop a document nothing
// references any more.
type Remover interface {
	Remove(ref string) error
}

// FileStore renders plain-text contracts into Dir, one file per contract.
type FileStore struct {
	Dir string
}

func (s FileStore) Render(ctx context.Context, in Input) (string, error) {
	if strings.TrimSpace(in.ContractID) == "" {
		return "", errors.New("contract id is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	terms := strings.TrimSpace(in.Notes)
	if terms == "" {
		terms = defaultTerms
	}
	var buf bytes.Buffer
	if err := contractTemplate.Execute(&buf, struct {
		Input
		Terms string
	}{in, terms}); err != nil {
		return "", fmt.Errorf("render contract: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	name := in.ContractID + ".txt"
	tmp, err := os.CreateTemp(s.Dir, name+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, name)); err != nil {
		return "", err
	}
	return name, nil
}

// Open returns the stored document for ref.
func (s FileStore) Open(ref string) (io.ReadCloser, error) {
	if ref == "" || filepath.Base(ref) != ref {
		return nil, fmt.Errorf("invalid document ref %q", ref)
	}
	return os.Open(filepath.Join(s.Dir, ref))
}

// Remove deletes the stored document for ref. A missing document is not an error.
func (s FileStore) Remove(ref string) error {
	if ref == "" || filepath.Base(ref) != ref {
		return fmt.Errorf("invalid document ref %q", ref)
	}
	if err := os.Remove(filepath.Join(s.Dir, ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
