// Package wsproto defines the wire protocol exchanged between SessionHub
// and connected clients: a typed envelope plus one payload struct per
// event, grounded in the teacher's internal/wss/types/types.go and
// internal/model/event.go message shapes.
package wsproto

import (
	"encoding/json"
	"time"

	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

// Client -> server command names.
const (
	CmdFindMatch         = "find_match"
	CmdConfirmMatch      = "confirm_match"
	CmdCancelMatchmaking = "cancel_matchmaking"
	CmdCreateCustom      = "create_custom"
	CmdJoinGame          = "join_game"
	CmdLeaveGame         = "leave_game"
	CmdReady             = "ready"
	CmdStartGame         = "start_game"
	CmdSubmitSolution    = "submit_solution"
	CmdSpectateGame      = "spectate_game"
	CmdStopSpectating    = "stop_spectating"
	CmdGetGameState      = "get_game_state"
	CmdSendChatMessage   = "send_chat_message"
	CmdUserTyping        = "user_typing"
)

// Server -> client event names.
const (
	EvtMatchFound    = "match_found"
	EvtMatchPending  = "match_pending"
	EvtPlayerJoined  = "player_joined"
	EvtPlayerLeft    = "player_left"
	EvtMatchStarting = "match_starting"
	EvtRoundStart    = "round_start"
	EvtSubmissionAck = "submission_ack"
	EvtRoundResult   = "round_result"
	EvtMatchEnd      = "match_end"
	EvtChatMessage   = "chat_message"
	EvtUserTyping    = "user_typing"
	EvtResync        = "resync"
	EvtError         = "error"
)

// Envelope is the outer frame for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	MatchID string          `json:"match_id,omitempty"`
	Version uint64          `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// --- client -> server payloads ---

type FindMatchPayload struct {
	Mode        model.MatchMode `json:"mode"`
	Preferences map[string]any  `json:"preferences,omitempty"`
}

type CreateCustomPayload struct {
	Config model.MatchConfig `json:"config"`
}

type MatchScopedPayload struct {
	MatchID string `json:"match_id"`
}

// ConfirmMatchPayload identifies which pending pairing the client is
// confirming; PendingID comes from the preceding EvtMatchPending prompt, not
// a real match ID, since no match exists yet.
type ConfirmMatchPayload struct {
	PendingID string `json:"pending_id"`
}

type SubmitSolutionPayload struct {
	MatchID    string `json:"match_id"`
	RoundIndex int    `json:"round_index"`
	Code       string `json:"code"`
	Language   string `json:"language"`
}

type SendChatMessagePayload struct {
	MatchID string `json:"match_id"`
	Text    string `json:"text"`
}

type UserTypingPayload struct {
	MatchID   string `json:"match_id"`
	IsTyping  bool   `json:"is_typing"`
}

// --- server -> client payloads ---

type MatchFoundPayload struct {
	MatchID string          `json:"match_id"`
	Mode    model.MatchMode `json:"mode"`
	Players []model.Player  `json:"players"`
}

// MatchPendingPayload is sent to both tickets of a candidate pairing before
// the match is created: the client must reply with CmdConfirmMatch echoing
// PendingID before ConfirmBy or the pairing is treated as cancelled.
type MatchPendingPayload struct {
	PendingID string          `json:"pending_id"`
	Mode      model.MatchMode `json:"mode"`
	ConfirmBy time.Time       `json:"confirm_by"`
}

type PlayerJoinedPayload struct {
	Player model.Player `json:"player"`
}

type PlayerLeftPayload struct {
	PlayerID string `json:"player_id"`
	Reason   string `json:"reason"`
}

type MatchStartingPayload struct {
	CountdownMS int64 `json:"countdown_ms"`
}

type RoundStartPayload struct {
	RoundIndex int           `json:"round_index"`
	Problem    model.Problem `json:"problem"`
	DeadlineAt time.Time     `json:"deadline_at"`
}

type SubmissionAckPayload struct {
	SubmissionID string `json:"submission_id"`
}

type PerPlayerRoundResult struct {
	Score       int                 `json:"score"`
	GradeReport model.GradeReport   `json:"grade_report"`
}

type RoundResultPayload struct {
	RoundIndex int                             `json:"round_index"`
	PerPlayer  map[string]PerPlayerRoundResult `json:"per_player"`
	Totals     map[string]int                  `json:"totals"`
}

type MatchEndPayload struct {
	Standings []model.StandingEntry `json:"standings"`
	Reason    string                `json:"reason"` // completed | forfeit | cancelled
}

type ChatMessagePayload struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

type UserTypingEventPayload struct {
	From     string `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

type ResyncPayload struct {
	Snapshot model.Snapshot `json:"snapshot"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps a payload into an Envelope with the payload marshaled.
func Encode(eventType, matchID string, version uint64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, MatchID: matchID, Version: version, Payload: raw}, nil
}
