package models

// ImportStage identifies the phase of the two-phase student import in
// which a row failed. Compensation outcomes are reported explicitly
// instead of being inferred from error text.
type ImportStage string

const (
	ImportStageValidate   ImportStage = "VALIDATE"
	ImportStageDirectory  ImportStage = "DIRECTORY"
	ImportStageStudent    ImportStage = "STUDENT"
	ImportStageCompensate ImportStage = "COMPENSATE"
)

// ImportRow is one parsed line of the student import CSV.
type ImportRow struct {
	Line     int
	NIS      string
	FullName string
	Surname  string
	Email    string
	Password string
	ClassID  string
	ParentID string
}

// ImportFailure captures a failed import row with its typed stage.
type ImportFailure struct {
	Line   int         `json:"line"`
	NIS    string      `json:"nis"`
	Stage  ImportStage `json:"stage"`
	Reason string      `json:"reason"`
}

// ImportResult summarises a bulk student import run.
type ImportResult struct {
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Failures  []ImportFailure `json:"failures,omitempty"`
}
