package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_TotalOrder(t *testing.T) {
	order := []Step{
		StepBuildRawZip,
		StepPreprocessImagesAndCrops,
		StepCreateAndAwaitBatch,
		StepSaveResultsToDb,
		StepBuildDocsAndCleanup,
	}
	for i := range order {
		for j := range order {
			assert.Equal(t, i < j, order[i].Before(order[j]), "%s before %s", order[i], order[j])
		}
	}
}

func TestVariant_StepsArePrefixesOfSameOrder(t *testing.T) {
	current := VariantCurrent.Steps()
	legacy := VariantLegacy.Steps()

	require.Len(t, current, 5)
	require.Len(t, legacy, 4)
	assert.Equal(t, current[1:], legacy)

	assert.Equal(t, StepBuildRawZip, VariantCurrent.First())
	assert.Equal(t, StepPreprocessImagesAndCrops, VariantLegacy.First())
	assert.False(t, VariantLegacy.Contains(StepBuildRawZip))
	assert.True(t, VariantLegacy.Contains(StepCreateAndAwaitBatch))
	assert.False(t, Variant("v9").Contains(StepBuildRawZip))

	next, ok := VariantLegacy.Next(StepSaveResultsToDb)
	require.True(t, ok)
	assert.Equal(t, StepBuildDocsAndCleanup, next)
	_, ok = VariantCurrent.Next(StepBuildDocsAndCleanup)
	assert.False(t, ok)
	_, ok = VariantLegacy.Next(StepBuildRawZip)
	assert.False(t, ok)
}

func TestParseStep(t *testing.T) {
	tests := map[string]Step{
		"build_raw_zip":            StepBuildRawZip,
		"BuildRawZip":              StepBuildRawZip,
		"PreprocessImagesAndCrops": StepPreprocessImagesAndCrops,
		"create_and_await_batch":   StepCreateAndAwaitBatch,
		" SaveResultsToDb ":        StepSaveResultsToDb,
		"build_docs_and_cleanup":   StepBuildDocsAndCleanup,
	}
	for in, want := range tests {
		got, err := ParseStep(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStep("upload")
	assert.Error(t, err)
}

func TestStep_JSONRoundTrip(t *testing.T) {
	failed := StepCreateAndAwaitBatch
	job := Job{ID: "j", Variant: VariantCurrent, CurrentStep: StepSaveResultsToDb, FailedStep: &failed}

	raw, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"current_step":"save_results_to_db"`)

	var back Job
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, StepSaveResultsToDb, back.CurrentStep)
	require.NotNil(t, back.FailedStep)
	assert.Equal(t, StepCreateAndAwaitBatch, *back.FailedStep)
}

func TestArtifacts_ClearFrom(t *testing.T) {
	full := Artifacts{
		RawZipKey:    "raw",
		ThumbnailKey: "thumb",
		CropsZipKey:  "crops",
		TxtKey:       "txt",
		DocxKey:      "docx",
		TxtSize:      10,
		DocxSize:     20,
	}

	a := full
	a.ClearFrom(StepSaveResultsToDb)
	assert.Equal(t, "raw", a.RawZipKey)
	assert.Equal(t, "crops", a.CropsZipKey)
	assert.Empty(t, a.TxtKey)
	assert.Zero(t, a.DocxSize)

	a = full
	a.ClearFrom(StepPreprocessImagesAndCrops)
	assert.Equal(t, "raw", a.RawZipKey)
	assert.Empty(t, a.CropsZipKey)

	assert.ElementsMatch(t, []string{"crops", "txt", "docx"}, full.KeysFrom(StepPreprocessImagesAndCrops))
	assert.ElementsMatch(t, []string{"raw", "thumb", "crops", "txt", "docx"}, full.KeysFrom(StepBuildRawZip))
	assert.ElementsMatch(t, []string{"txt", "docx"}, full.KeysFrom(StepCreateAndAwaitBatch))
}

func TestIsErrorType(t *testing.T) {
	err := WrapError(assert.AnError, ErrConflict, "stale").WithContext("job_id", "j1")
	assert.True(t, IsErrorType(err, ErrConflict))
	assert.False(t, IsErrorType(err, ErrNotFound))
	assert.Equal(t, ErrConflict, TypeOf(err))
	assert.Equal(t, ErrUnknown, TypeOf(assert.AnError))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "job_id=j1")
}
