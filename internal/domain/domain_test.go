package domain_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
)

func TestStatusOnlyMovesForward(t *testing.T) {
	assert.True(t, domain.StatusUnknown.Advances(domain.StatusSent))
	assert.True(t, domain.StatusSent.Advances(domain.StatusRead))
	assert.False(t, domain.StatusRead.Advances(domain.StatusDelivered))
	assert.False(t, domain.StatusDelivered.Advances(domain.StatusDelivered))
	assert.False(t, domain.StatusSent.Advances(domain.StatusUnknown))
	assert.Equal(t, domain.StatusRead, domain.MaxStatus(domain.StatusRead, domain.StatusSent))
}

func TestStatusText(t *testing.T) {
	for _, st := range []domain.Status{domain.StatusSent, domain.StatusDelivered, domain.StatusRead} {
		parsed, err := domain.ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}
	_, err := domain.ParseStatus("seen")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	raw, err := json.Marshal(struct {
		Status domain.Status `json:"status"`
	}{domain.StatusDelivered})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"delivered"}`, string(raw))

	_, err = domain.Status(9).MarshalText()
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestChangeEventRow(t *testing.T) {
	ev, err := domain.NewChangeEvent(domain.TableMessages, domain.OpInsert, domain.MessageRow{
		ID: "s1", ConversationID: "c1", SenderID: "bob", Content: "hi", Kind: domain.KindText, Status: domain.StatusSent,
	})
	require.NoError(t, err)

	var row domain.MessageRow
	require.NoError(t, ev.DecodeRow(&row))
	msg := row.Message()
	assert.True(t, msg.ID.IsConfirmed())
	assert.Equal(t, "s1", msg.ID.Value)
	assert.Equal(t, domain.StatusSent, msg.Status)

	empty := domain.ChangeEvent{Table: domain.TableMessages, Operation: domain.OpInsert}
	assert.ErrorIs(t, empty.DecodeRow(&row), domain.ErrInvalidArgument)
	bad := domain.ChangeEvent{Table: domain.TableMessages, Row: json.RawMessage(`{"status":"lost"}`)}
	assert.ErrorIs(t, bad.DecodeRow(&row), domain.ErrInvalidArgument)
}

func TestIdentity(t *testing.T) {
	assert.True(t, domain.ProvisionalID("l1").Valid())
	assert.False(t, domain.ConfirmedID("").Valid())
	assert.False(t, domain.Identity{Value: "x"}.Valid())
}

func TestRetryable(t *testing.T) {
	assert.True(t, domain.IsRetryable(fmt.Errorf("list: %w", domain.ErrTransient)))
	assert.False(t, domain.IsRetryable(domain.ErrConflict))
	assert.Equal(t, "changes:user:alice", domain.UserChannel("alice"))
}
