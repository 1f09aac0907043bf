package jobs

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the pipeline stops driving a job in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Step is a pipeline stage. The numeric value is the stage's rank in the
// single total order shared by every schema variant.
type Step uint8

const (
	StepUnknown Step = iota
	StepBuildRawZip
	StepPreprocessImagesAndCrops
	StepCreateAndAwaitBatch
	StepSaveResultsToDb
	StepBuildDocsAndCleanup
)

var stepNames = map[Step]string{
	StepBuildRawZip:              "build_raw_zip",
	StepPreprocessImagesAndCrops: "preprocess_images_and_crops",
	StepCreateAndAwaitBatch:      "create_and_await_batch",
	StepSaveResultsToDb:          "save_results_to_db",
	StepBuildDocsAndCleanup:      "build_docs_and_cleanup",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Step) Valid() bool {
	_, ok := stepNames[s]
	return ok
}

// Before reports whether s strictly precedes other in the step order.
func (s Step) Before(other Step) bool {
	return s < other
}

// ParseStep accepts the snake_case name used in storage and URLs, and the
// CamelCase name ("BuildRawZip") used by older records.
func ParseStep(name string) (Step, error) {
	norm := strings.ToLower(strings.TrimSpace(name))
	for step, stepName := range stepNames {
		if norm == stepName || norm == strings.ReplaceAll(stepName, "_", "") {
			return step, nil
		}
	}
	return StepUnknown, fmt.Errorf("unknown step %q", name)
}

func (s Step) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid step %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(b []byte) error {
	step, err := ParseStep(string(b))
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// Variant identifies which contiguous run of the step order a job uses.
type Variant string

const (
	// VariantCurrent runs every step.
	VariantCurrent Variant = "v5"
	// VariantLegacy predates BuildRawZip and starts at PreprocessImagesAndCrops.
	VariantLegacy Variant = "v4"
)

var variantFirst = map[Variant]Step{
	VariantCurrent: StepBuildRawZip,
	VariantLegacy:  StepPreprocessImagesAndCrops,
}

const lastStep = StepBuildDocsAndCleanup

func (v Variant) Valid() bool {
	_, ok := variantFirst[v]
	return ok
}

func (v Variant) First() Step {
	return variantFirst[v]
}

func (v Variant) Last() Step {
	return lastStep
}

// Contains reports whether step belongs to the variant.
func (v Variant) Contains(step Step) bool {
	first, ok := variantFirst[v]
	if !ok || !step.Valid() {
		return false
	}
	return !step.Before(first)
}

// Next returns the step following s within the variant.
func (v Variant) Next(s Step) (Step, bool) {
	if !v.Contains(s) || s == lastStep {
		return StepUnknown, false
	}
	return s + 1, true
}

// Steps lists the variant's steps in order.
func (v Variant) Steps() []Step {
	first, ok := variantFirst[v]
	if !ok {
		return nil
	}
	ret := make([]Step, 0, int(lastStep-first)+1)
	for s := first; s <= lastStep; s++ {
		ret = append(ret, s)
	}
	return ret
}

type Artifacts struct {
	RawZipKey    string `json:"raw_zip_key,omitempty"`
	CropsZipKey  string `json:"crops_zip_key,omitempty"`
	TxtKey       string `json:"txt_key,omitempty"`
	DocxKey      string `json:"docx_key,omitempty"`
	ThumbnailKey string `json:"thumbnail_key,omitempty"`
	TxtSize      int64  `json:"txt_size,omitempty"`
	DocxSize     int64  `json:"docx_size,omitempty"`
}

// ClearFrom drops every artifact produced by step or any later step.
func (a *Artifacts) ClearFrom(step Step) {
	if !StepBuildRawZip.Before(step) {
		a.RawZipKey = ""
		a.ThumbnailKey = ""
	}
	if !StepPreprocessImagesAndCrops.Before(step) {
		a.CropsZipKey = ""
	}
	if !StepBuildDocsAndCleanup.Before(step) {
		a.TxtKey = ""
		a.DocxKey = ""
		a.TxtSize = 0
		a.DocxSize = 0
	}
}

// KeysFrom lists the storage keys produced by step or any later step.
func (a Artifacts) KeysFrom(step Step) []string {
	var keys []string
	add := func(owner Step, key string) {
		if key != "" && !owner.Before(step) {
			keys = append(keys, key)
		}
	}
	add(StepBuildRawZip, a.RawZipKey)
	add(StepBuildRawZip, a.ThumbnailKey)
	add(StepPreprocessImagesAndCrops, a.CropsZipKey)
	add(StepBuildDocsAndCleanup, a.TxtKey)
	add(StepBuildDocsAndCleanup, a.DocxKey)
	return keys
}

type Job struct {
	ID          string    `json:"id"`
	ParentJobID *string   `json:"parent_job_id,omitempty"`
	UploadKey   string    `json:"upload_key"`
	Variant     Variant   `json:"variant"`
	CurrentStep Step      `json:"current_step"`
	Status      Status    `json:"status"`
	FailedStep  *Step     `json:"failed_step,omitempty"`
	Error       string    `json:"error,omitempty"`
	Artifacts   Artifacts `json:"artifacts"`
	// Version increases on every committed update.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	tmp := *j
	if j.ParentJobID != nil {
		parent := *j.ParentJobID
		tmp.ParentJobID = &parent
	}
	if j.FailedStep != nil {
		failed := *j.FailedStep
		tmp.FailedStep = &failed
	}
	return &tmp
}

// BatchState is the durable poll record of CreateAndAwaitBatch.
type BatchState struct {
	JobID      string
	BatchID    string
	Status     string
	Round      int
	RequestKey string
	UpdatedAt  time.Time
}

// FrameRecord is one row of a job's frame manifest with its recognition checkpoint.
type FrameRecord struct {
	Index         int
	OriginalName  string
	BaseKey       string
	SequenceIndex int
	IncludeInZip  bool
	Text          string
	Error         string
	Attempts      int
	Done          bool
}

type ParagraphRecord struct {
	Position int
	BaseKey  string
	Text     string
}
