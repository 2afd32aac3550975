package models

import "strings"

type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusSetup     Status = "SETUP"
	StatusInput     Status = "INPUT"
	StatusWaiting   Status = "WAITING"
	StatusDecode    Status = "DECODE"
	StatusActive    Status = "ACTIVE"
	StatusOutput    Status = "OUTPUT"
	StatusShutdown  Status = "SHUTDOWN"
	StatusSkipped   Status = "SKIPPED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OneOf reports whether s equals any of the given statuses.
func (s Status) OneOf(statuses ...Status) bool {
	for _, other := range statuses {
		if s == other {
			return true
		}
	}
	return false
}

// Process is one execution of a pipeline over a document collection.
type Process struct {
	ID                    string           `json:"id" bson:"_id" firestore:"id"`
	PipelineID            string           `json:"pipeline_id" bson:"pipeline_id" firestore:"pipeline_id"`
	UserID                string           `json:"user_id" bson:"user_id" firestore:"user_id"`
	Status                Status           `json:"status" bson:"status" firestore:"status"`
	Error                 string           `json:"error,omitempty" bson:"error,omitempty" firestore:"error,omitempty"`
	StartedAt             int64            `json:"started_at" bson:"started_at" firestore:"started_at"` // epoch millis
	FinishedAt            int64            `json:"finished_at,omitempty" bson:"finished_at,omitempty" firestore:"finished_at,omitempty"`
	Finished              bool             `json:"is_finished" bson:"is_finished" firestore:"is_finished"`
	DocumentNames         []string         `json:"document_names" bson:"document_names" firestore:"document_names"`
	Initial               int              `json:"initial" bson:"initial" firestore:"initial"`
	Skipped               int              `json:"skipped" bson:"skipped" firestore:"skipped"`
	InstantiationDuration int64            `json:"instantiation_duration" bson:"instantiation_duration" firestore:"instantiation_duration"`
	Input                 DocumentProvider `json:"input" bson:"input" firestore:"input"`
	Output                DocumentProvider `json:"output" bson:"output" firestore:"output"`
	Settings              Settings         `json:"settings" bson:"settings" firestore:"settings"`
	State                 ProcessState     `json:"process_state" bson:"process_state" firestore:"process_state"`
}

// ProcessState holds the live sub-documents written by path upserts.
type ProcessState struct {
	Workers    map[string]interface{} `json:"workers,omitempty" bson:"workers,omitempty" firestore:"workers,omitempty"`
	Drivers    map[string]interface{} `json:"drivers,omitempty" bson:"drivers,omitempty" firestore:"drivers,omitempty"`
	Components map[string]interface{} `json:"components,omitempty" bson:"components,omitempty" firestore:"components,omitempty"`
}

// Settings alter how a single process behaves.
type Settings struct {
	Language     string `json:"language" bson:"language" firestore:"language"`
	Notification bool   `json:"notification" bson:"notification" firestore:"notification"`
	CheckTarget  bool   `json:"check_target" bson:"check_target" firestore:"check_target"`
	Recursive    bool   `json:"recursive" bson:"recursive" firestore:"recursive"`
	Overwrite    bool   `json:"overwrite" bson:"overwrite" firestore:"overwrite"`
	SortBySize   bool   `json:"sort_by_size" bson:"sort_by_size" firestore:"sort_by_size"`
	IgnoreErrors bool   `json:"ignore_errors" bson:"ignore_errors" firestore:"ignore_errors"`
	MinimumSize  int64  `json:"minimum_size" bson:"minimum_size" firestore:"minimum_size"`
	WorkerCount  int    `json:"worker_count" bson:"worker_count" firestore:"worker_count"`
}

var languageCodes = map[string]string{
	"english": "en",
	"german":  "de",
	"french":  "fr",
	"spanish": "es",
	"italian": "it",
	"dutch":   "nl",
}

// LanguageCode maps a settings language to its ISO code. Unknown values
// pass through unchanged and an empty value means detection by the engine.
func LanguageCode(language string) string {
	if code, ok := languageCodes[strings.ToLower(language)]; ok {
		return code
	}
	return language
}
