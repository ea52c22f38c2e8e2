package restore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Export payload types. These are pass-through records produced by the
// export tooling; only identifiers, ordering hints and parent references are
// interpreted here.

type PlanPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Owner string `json:"owner,omitempty"`
}

type BucketPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PlanID    string `json:"planId"`
	OrderHint string `json:"orderHint,omitempty"`
}

type TaskPayload struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	PlanID            string          `json:"planId"`
	BucketID          string          `json:"bucketId,omitempty"`
	OrderHint         string          `json:"orderHint,omitempty"`
	PercentComplete   int             `json:"percentComplete,omitempty"`
	Priority          int             `json:"priority,omitempty"`
	DueDateTime       string          `json:"dueDateTime,omitempty"`
	AssigneeIDs       []string        `json:"assigneeIds,omitempty"`
	AppliedCategories map[string]bool `json:"appliedCategories,omitempty"`
}

type ChecklistItem struct {
	Title     string `json:"title"`
	IsChecked bool   `json:"isChecked"`
}

type ExternalReference struct {
	Alias string `json:"alias"`
	URL   string `json:"url"`
	Type  string `json:"type,omitempty"`
}

type TaskDetailPayload struct {
	TaskID      string              `json:"taskId"`
	Description string              `json:"description,omitempty"`
	PreviewType string              `json:"previewType,omitempty"`
	Checklist   []ChecklistItem     `json:"checklist,omitempty"`
	References  []ExternalReference `json:"references,omitempty"`
}

// HasContent reports whether the detail carries anything worth updating. An
// update with an empty payload must never be issued.
func (d TaskDetailPayload) HasContent() bool {
	return strings.TrimSpace(d.Description) != "" || len(d.Checklist) > 0 || len(d.References) > 0
}

// ExportDocument is the per-plan input produced by the export collaborator.
// UserMap supplies the identity resolver's hints keyed by source user id.
type ExportDocument struct {
	Plan        PlanPayload              `json:"plan"`
	Buckets     []BucketPayload          `json:"buckets"`
	Tasks       []TaskPayload            `json:"tasks"`
	TaskDetails []TaskDetailPayload      `json:"taskDetails"`
	Categories  map[string]string        `json:"categories,omitempty"`
	UserMap     map[string]IdentityHints `json:"userMap,omitempty"`
}

const exportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plan"],
  "properties": {
    "plan": {
      "type": "object",
      "required": ["id", "title"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "title": {"type": "string", "minLength": 1},
        "owner": {"type": "string"}
      }
    },
    "buckets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "planId": {"type": "string"},
          "orderHint": {"type": "string"}
        }
      }
    },
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "planId": {"type": "string"},
          "bucketId": {"type": "string"},
          "orderHint": {"type": "string"},
          "percentComplete": {"type": "integer", "minimum": 0, "maximum": 100},
          "priority": {"type": "integer", "minimum": 0, "maximum": 10},
          "dueDateTime": {"type": "string"},
          "assigneeIds": {"type": "array", "items": {"type": "string"}},
          "appliedCategories": {"type": "object", "additionalProperties": {"type": "boolean"}}
        }
      }
    },
    "taskDetails": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["taskId"],
        "properties": {
          "taskId": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "previewType": {"type": "string"},
          "checklist": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["title"],
              "properties": {
                "title": {"type": "string"},
                "isChecked": {"type": "boolean"}
              }
            }
          },
          "references": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["url"],
              "properties": {
                "alias": {"type": "string"},
                "url": {"type": "string", "minLength": 1},
                "type": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "categories": {"type": "object", "additionalProperties": {"type": "string"}},
    "userMap": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "userPrincipalName": {"type": "string"},
          "mail": {"type": "string"}
        }
      }
    }
  }
}`

var (
	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

func compiledExportSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(exportSchemaJSON))
		if err != nil {
			exportSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("export.schema.json", doc); err != nil {
			exportSchemaErr = err
			return
		}
		exportSchema, exportSchemaErr = compiler.Compile("export.schema.json")
	})
	return exportSchema, exportSchemaErr
}

// ParseExportDocument validates raw export JSON against the payload schema
// and decodes it. Schema violations surface here, before restoration starts,
// instead of as confusing API rejections midway through a run.
func ParseExportDocument(data []byte) (*ExportDocument, error) {
	schema, err := compiledExportSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling export schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &doc, nil
}

// LoadExportDocument reads and validates one export payload file.
func LoadExportDocument(path string) (*ExportDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseExportDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc, nil
}
