package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

func validJob() *core.Job {
	return &core.Job{
		ExecutionID: "run-1",
		JobID:       "step-a",
		Type:        "render",
		Priority:    5,
		MaxRetries:  3,
	}
}

func TestValidateJob(t *testing.T) {
	assert.NoError(t, ValidateJob(validJob()))
}

func TestValidateJob_MissingIDs(t *testing.T) {
	job := validJob()
	job.ExecutionID = ""
	assert.ErrorIs(t, ValidateJob(job), core.ErrMissingExecutionID)

	job = validJob()
	job.JobID = ""
	assert.ErrorIs(t, ValidateJob(job), core.ErrMissingJobID)
}

func TestValidateJob_BadIDs(t *testing.T) {
	job := validJob()
	job.JobID = "has spaces"
	assert.ErrorIs(t, ValidateJob(job), core.ErrInvalidJobID)

	job = validJob()
	job.ExecutionID = "-leading-dash"
	assert.ErrorIs(t, ValidateJob(job), core.ErrInvalidJobID)

	job = validJob()
	job.JobID = strings.Repeat("x", MaxIDLength+1)
	assert.ErrorIs(t, ValidateJob(job), core.ErrInvalidJobID)
}

func TestValidateJob_LeadingDigitAccepted(t *testing.T) {
	// Generated uuid job ids may start with a digit.
	job := validJob()
	job.JobID = "4f9d2c-auto"
	assert.NoError(t, ValidateJob(job))
}

func TestValidateJob_Type(t *testing.T) {
	job := validJob()
	job.Type = ""
	assert.ErrorIs(t, ValidateJob(job), core.ErrInvalidJobType)

	job = validJob()
	job.Type = "bad type!"
	assert.ErrorIs(t, ValidateJob(job), core.ErrInvalidJobType)
}

func TestValidateJob_PriorityBounds(t *testing.T) {
	for _, p := range []int{0, -1, 11} {
		job := validJob()
		job.Priority = p
		assert.ErrorIs(t, ValidateJob(job), core.ErrPriorityOutOfRange, "priority %d", p)
	}
	for p := core.MinPriority; p <= core.MaxPriority; p++ {
		job := validJob()
		job.Priority = p
		assert.NoError(t, ValidateJob(job), "priority %d", p)
	}
}

func TestValidateJob_NegativeRetries(t *testing.T) {
	job := validJob()
	job.MaxRetries = -1
	assert.ErrorIs(t, ValidateJob(job), core.ErrNegativeRetries)
}

func TestValidateJob_ConfigTooLarge(t *testing.T) {
	job := validJob()
	job.Config = map[string]any{"blob": strings.Repeat("x", MaxConfigSize+1)}
	assert.ErrorIs(t, ValidateJob(job), core.ErrConfigTooLarge)
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "", SanitizeErrorMessage(""))
	assert.Equal(t, "plain error", SanitizeErrorMessage("plain error"))
	assert.Equal(t, "ab", SanitizeErrorMessage("a\x00b"))
	assert.Equal(t, "line1\nline2", SanitizeErrorMessage("line1\nline2"))
}

func TestSanitizeErrorMessage_Truncates(t *testing.T) {
	long := strings.Repeat("e", MaxErrorMessageLength*2)
	got := SanitizeErrorMessage(long)

	assert.Len(t, got, MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestClamps(t *testing.T) {
	assert.Equal(t, 0, ClampRetries(-5))
	assert.Equal(t, 3, ClampRetries(3))
	assert.Equal(t, MaxRetries, ClampRetries(MaxRetries+1))

	assert.Equal(t, 1, ClampConcurrency(0))
	assert.Equal(t, 8, ClampConcurrency(8))
	assert.Equal(t, MaxConcurrency, ClampConcurrency(MaxConcurrency*2))
}
