package runtime

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/session/models"
)

func userMessage(uuid, text string) *agent.Message {
	msg := plainUserMessage(text)
	msg.UUID = uuid
	return msg
}

func TestCheckpointCreationAndRewind(t *testing.T) {
	var created []*models.Checkpoint
	tr := NewCheckpointTracker("sess-1", func(cp *models.Checkpoint) {
		created = append(created, cp)
	})

	u1 := userMessage("u1", "first")
	u2 := userMessage("u2", "second")
	u3 := userMessage("u3", "third")
	for _, msg := range []*agent.Message{u1, u2, u3} {
		require.NotNil(t, tr.Observe(msg))
	}
	require.Len(t, created, 3)

	cps := tr.GetCheckpoints()
	require.Len(t, cps, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{cps[0].TurnNumber, cps[1].TurnNumber, cps[2].TurnNumber})
	assert.Equal(t, "u3", cps[0].ID)

	removed := tr.RewindTo("u2")
	assert.Equal(t, 1, removed)

	cps = tr.GetCheckpoints()
	require.Len(t, cps, 2)
	assert.Equal(t, "u2", cps[0].ID)
	assert.Equal(t, 2, cps[0].TurnNumber, "remaining turns keep their numbers")
	assert.Equal(t, "u1", cps[1].ID)

	// New checkpoints continue from the highest remaining turn.
	cp4 := tr.Observe(userMessage("u4", "fourth"))
	require.NotNil(t, cp4)
	assert.Equal(t, 3, cp4.TurnNumber)
}

func TestCheckpointRewindUnknownID(t *testing.T) {
	tr := NewCheckpointTracker("sess-1", nil)
	tr.Observe(userMessage("u1", "first"))

	assert.Zero(t, tr.RewindTo("missing"))
	assert.Equal(t, 1, tr.Size())
}

func TestCheckpointIgnoresNonQualifyingMessages(t *testing.T) {
	tr := NewCheckpointTracker("sess-1", nil)

	replay := userMessage("u1", "replayed")
	replay.IsReplay = true
	assert.Nil(t, tr.Observe(replay))

	noUUID := plainUserMessage("no uuid")
	assert.Nil(t, tr.Observe(noUUID))

	assistant := userMessage("u2", "assistant")
	assistant.Type = agent.MessageTypeAssistant
	assert.Nil(t, tr.Observe(assistant))

	assert.Zero(t, tr.Size())
}

func TestCheckpointPreviewTruncation(t *testing.T) {
	tr := NewCheckpointTracker("sess-1", nil)

	long := strings.Repeat("x", models.PreviewMaxLen+50)
	cp := tr.Observe(userMessage("u1", long))
	require.NotNil(t, cp)
	assert.Len(t, cp.Preview, models.PreviewMaxLen)

	// Multi-byte runes truncate on the rune count and stay valid UTF-8.
	wide := strings.Repeat("日", models.PreviewMaxLen+50)
	cp = tr.Observe(userMessage("u2", wide))
	require.NotNil(t, cp)
	assert.Equal(t, models.PreviewMaxLen, utf8.RuneCountInString(cp.Preview))
	assert.True(t, utf8.ValidString(cp.Preview))
}

func TestCheckpointAccessors(t *testing.T) {
	tr := NewCheckpointTracker("sess-1", nil)

	_, ok := tr.GetLatestCheckpoint()
	assert.False(t, ok)

	tr.Observe(userMessage("u1", "first"))
	tr.Observe(userMessage("u2", "second"))

	first, ok := tr.GetFirstCheckpoint()
	require.True(t, ok)
	assert.Equal(t, "u1", first.ID)

	latest, ok := tr.GetLatestCheckpoint()
	require.True(t, ok)
	assert.Equal(t, "u2", latest.ID)

	assert.True(t, tr.Has("u1"))
	assert.False(t, tr.Has("u9"))

	tr.Clear()
	assert.Zero(t, tr.Size())
}
