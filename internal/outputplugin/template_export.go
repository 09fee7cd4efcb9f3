package outputplugin

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TemplateExport renders each batch of records through an operator-supplied
// Go template (sprig funcs included, courtesy of internal/templates) and
// writes the joined output as one durable export record per batch. It is
// the supplemental, fully-built feature the distilled spec only names as
// "output plugins".
type TemplateExport struct {
	store storeWriter
	name  string
	tmpl  *Template
}

// storeWriter is the narrow datastore surface TemplateExport needs; kept as
// an interface here so it can be satisfied by datastore.Store without this
// file importing the full package again.
type storeWriter interface {
	Set(ctx context.Context, subject, predicate string, value []byte, ts time.Time, replace bool) error
}

func exportSubject(huntID string) string { return "hunts/" + huntID }

func exportPredicate(plugin, batchID string) string { return "export:" + plugin + ":" + batchID }

// Process renders every record in the batch and persists the joined output
// as a single export record, so a partial-batch failure (a template error on
// record 3 of 10) leaves nothing written and the engine retries the whole
// batch rather than double-emitting a partial one.
func (t *TemplateExport) Process(ctx context.Context, huntID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, rec := range records {
		rendered, err := t.tmpl.Render(map[string]any{
			"ClientID":  rec.ClientID,
			"SessionID": rec.SessionID,
			"ReplyType": rec.ReplyType,
			"Payload":   string(rec.Payload),
			"Timestamp": rec.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("outputplugin: render record for client %q: %w", rec.ClientID, err)
		}
		buf.WriteString(rendered)
		if len(rendered) == 0 || rendered[len(rendered)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	if t.store == nil {
		return fmt.Errorf("outputplugin: %q has no datastore to export into", t.name)
	}
	batchID := uuid.NewString()
	if err := t.store.Set(ctx, exportSubject(huntID), exportPredicate(t.name, batchID), buf.Bytes(), time.Now().UTC(), false); err != nil {
		return fmt.Errorf("outputplugin: persist export batch: %w", err)
	}
	return nil
}
