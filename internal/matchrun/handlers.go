package matchrun

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/leaderboard"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/store"
	"github.com/lijuuu/ArenaMatchCore/internal/wsproto"
)

func (r *Runtime) handleReady(ctx context.Context, playerID string) error {
	if r.match.Status != model.StatusWaiting {
		return nil
	}
	if !r.isParticipant(playerID) {
		return ErrPlayerNotInMatch
	}
	r.readySet[playerID] = true

	if len(r.match.Players) >= 2 && r.allReady() {
		r.beginStarting(ctx)
		return nil
	}
	if len(r.readySet) == 1 {
		r.clock.AfterFunc(r.cfg.AutoStartTimeout, func() {
			r.enqueue(r.runCtx, func(ctx context.Context) { r.onAutoStartTimeout(ctx) })
		})
	}
	return nil
}

func (r *Runtime) allReady() bool {
	for _, p := range r.match.Players {
		if !r.readySet[p.PlayerID] {
			return false
		}
	}
	return true
}

func (r *Runtime) onAutoStartTimeout(ctx context.Context) {
	if r.match.Status != model.StatusWaiting {
		return
	}
	if len(r.match.Players) >= 2 {
		r.beginStarting(ctx)
		return
	}
	r.cancelMatch(ctx, "timeout")
}

func (r *Runtime) handleStartGame(ctx context.Context, ownerID string) error {
	if r.match.OwnerPlayerID == "" || r.match.OwnerPlayerID != ownerID {
		return ErrNotOwner
	}
	if r.match.Status != model.StatusWaiting {
		return nil
	}
	if len(r.match.Players) < 2 {
		return ErrNotEnoughPlayers
	}
	r.beginStarting(ctx)
	return nil
}

func (r *Runtime) beginStarting(ctx context.Context) {
	r.match.Status = model.StatusStarting
	r.bumpAndPersist(ctx)
	r.broadcast(ctx, wsproto.EvtMatchStarting, wsproto.MatchStartingPayload{CountdownMS: r.cfg.StartingCountdown.Milliseconds()})

	if r.mtr != nil {
		r.mtr.MatchesStarted.Inc()
		r.mtr.MatchesLive.Inc()
		r.startedMetric = true
	}
	if r.board != nil {
		if err := r.board.Open(r.match.MatchID); err != nil && r.log != nil {
			r.log.Warn("open leaderboard failed", zap.Error(err))
		}
	}

	if r.problems != nil && len(r.match.Rounds) > 0 {
		problem, err := r.problems.RandomForMode(ctx, r.match.Mode, r.seenProblems)
		if err == nil {
			r.match.Rounds[0].Problem = problem
			r.seenProblems[problem.ProblemID] = struct{}{}
		} else if r.log != nil {
			r.log.Warn("prefetch first problem failed", zap.Error(err))
		}
	}

	r.clock.AfterFunc(r.cfg.StartingCountdown, func() {
		r.enqueue(r.runCtx, func(ctx context.Context) { r.onCountdownElapsed(ctx) })
	})
}

func (r *Runtime) onCountdownElapsed(ctx context.Context) {
	if r.match.Status != model.StatusStarting {
		return
	}
	r.match.Status = model.StatusInProgress
	r.match.StartedAt = r.clock.Now()
	r.match.Cursor = 0
	r.openRound(ctx, 0)
}

func (r *Runtime) openRound(ctx context.Context, idx int) {
	if idx >= len(r.match.Rounds) {
		r.completeMatch(ctx, "completed")
		return
	}
	round := &r.match.Rounds[idx]

	if round.Problem.ProblemID == "" && r.problems != nil {
		problem, err := r.problems.RandomForMode(ctx, r.match.Mode, r.seenProblems)
		if err == nil {
			round.Problem = problem
			r.seenProblems[problem.ProblemID] = struct{}{}
		}
	}

	limit := r.match.Config.RoundTimeLimit
	if limit <= 0 {
		limit = 5 * time.Minute
	}

	round.Status = model.RoundOpen
	round.StartedAt = r.clock.Now()
	round.DeadlineAt = round.StartedAt.Add(limit)
	round.Submissions = make(map[string]model.Submission)
	round.Grades = make(map[string]model.GradeReport)
	round.Scores = make(map[string]int)

	r.bumpAndPersist(ctx)
	r.broadcast(ctx, wsproto.EvtRoundStart, wsproto.RoundStartPayload{
		RoundIndex: idx,
		Problem:    round.Problem,
		DeadlineAt: round.DeadlineAt,
	})

	deadline := round.DeadlineAt
	r.clock.AfterFunc(deadline.Sub(r.clock.Now()), func() {
		r.enqueue(r.runCtx, func(ctx context.Context) { r.onRoundDeadline(ctx, idx) })
	})
}

func (r *Runtime) handleSubmitSolution(ctx context.Context, playerID string, roundIndex int, code, language string) error {
	if roundIndex != r.match.Cursor || roundIndex >= len(r.match.Rounds) {
		return ErrRoundNotOpen
	}
	round := &r.match.Rounds[roundIndex]
	if round.Status != model.RoundOpen {
		return ErrRoundNotOpen
	}
	if !r.isParticipant(playerID) {
		return ErrPlayerNotInMatch
	}

	if err := validateSubmission(code, language, r.match.Config.LanguageWhitelist, r.cfg.MaxSubmissionLength); err != nil {
		return err
	}

	submission := model.Submission{
		SubmissionID: newSubmissionID(),
		MatchID:      r.match.MatchID,
		RoundIndex:   roundIndex,
		PlayerID:     playerID,
		Code:         code,
		Language:     language,
		SubmittedAt:  r.clock.Now(),
	}
	round.Submissions[playerID] = submission
	if r.mtr != nil {
		r.mtr.SubmissionsReceived.Inc()
	}
	r.bumpAndPersist(ctx)
	r.whisper(ctx, playerID, wsproto.EvtSubmissionAck, wsproto.SubmissionAckPayload{SubmissionID: submission.SubmissionID})

	if r.allActiveSubmitted(round) {
		r.closeRoundToGrading(ctx, roundIndex)
	}
	return nil
}

func (r *Runtime) allActiveSubmitted(round *model.Round) bool {
	for _, p := range r.match.Players {
		if !p.Connected {
			continue
		}
		if _, ok := round.Submissions[p.PlayerID]; !ok {
			return false
		}
	}
	return true
}

func (r *Runtime) onRoundDeadline(ctx context.Context, idx int) {
	if idx != r.match.Cursor || idx >= len(r.match.Rounds) {
		return
	}
	round := &r.match.Rounds[idx]
	if round.Status != model.RoundOpen {
		return
	}
	r.closeRoundToGrading(ctx, idx)
}

func (r *Runtime) closeRoundToGrading(ctx context.Context, idx int) {
	round := &r.match.Rounds[idx]
	round.Status = model.RoundGrading
	r.bumpAndPersist(ctx)

	pending := len(round.Submissions)
	if pending == 0 {
		r.closeRound(ctx, idx)
		return
	}

	gradingDeadline := r.clock.Now().Add(r.cfg.GradingTimeBudget)
	weights := r.weightsFor()

	for playerID, submission := range round.Submissions {
		go r.gradeOne(r.runCtx, idx, playerID, submission, weights)
	}

	r.clock.AfterFunc(gradingDeadline.Sub(r.clock.Now()), func() {
		r.enqueue(r.runCtx, func(ctx context.Context) { r.onGradingDeadline(ctx, idx) })
	})
}

func (r *Runtime) weightsFor() model.ScoreWeights {
	w := r.match.Config.ScoreWeights
	if w.Correctness == 0 && w.Efficiency == 0 && w.Readability == 0 && w.Style == 0 && w.Innovation == 0 {
		return model.DefaultScoreWeights()
	}
	return w
}

func (r *Runtime) gradeOne(ctx context.Context, roundIdx int, playerID string, submission model.Submission, weights model.ScoreWeights) {
	gradeCtx, cancel := context.WithTimeout(ctx, r.cfg.GradingTimeBudget)
	defer cancel()

	started := time.Now()
	degraded := false
	report, err := r.scoreSubmission(gradeCtx, r.match.Mode, r.roundProblem(roundIdx), submission, weights)
	if err != nil {
		verdict := model.VerdictGraderError
		if gradeCtx.Err() != nil {
			verdict = model.VerdictTimeout
		}
		report = grader.FallbackReport(submission.SubmissionID, grader.TestOutcome{}, weights, verdict)
		degraded = true
	}
	if r.mtr != nil {
		r.mtr.ObserveGrading(time.Since(started), degraded, string(report.Verdict))
	}

	r.enqueue(r.runCtx, func(ctx context.Context) { r.onGraded(ctx, roundIdx, playerID, report) })
}

func (r *Runtime) roundProblem(idx int) model.Problem {
	if idx < 0 || idx >= len(r.match.Rounds) {
		return model.Problem{}
	}
	return r.match.Rounds[idx].Problem
}

func (r *Runtime) onGraded(ctx context.Context, idx int, playerID string, report model.GradeReport) {
	if idx >= len(r.match.Rounds) {
		return
	}
	round := &r.match.Rounds[idx]
	if round.Status != model.RoundGrading {
		return
	}
	round.Grades[report.SubmissionID] = report
	round.Scores[playerID] = scoreFromReport(report)

	if r.allGraded(round) {
		r.closeRound(ctx, idx)
	}
}

func scoreFromReport(report model.GradeReport) int {
	return int(report.ScoreTotal + 0.5)
}

func (r *Runtime) allGraded(round *model.Round) bool {
	for playerID, submission := range round.Submissions {
		if _, ok := round.Grades[submission.SubmissionID]; !ok {
			_ = playerID
			return false
		}
	}
	return true
}

func (r *Runtime) onGradingDeadline(ctx context.Context, idx int) {
	if idx >= len(r.match.Rounds) {
		return
	}
	round := &r.match.Rounds[idx]
	if round.Status != model.RoundGrading {
		return
	}

	weights := r.weightsFor()
	for playerID, submission := range round.Submissions {
		if _, ok := round.Grades[submission.SubmissionID]; ok {
			continue
		}
		report := grader.FallbackReport(submission.SubmissionID, grader.TestOutcome{}, weights, model.VerdictTimeout)
		round.Grades[submission.SubmissionID] = report
		round.Scores[playerID] = scoreFromReport(report)
		if r.mtr != nil {
			r.mtr.GradingFallbacks.WithLabelValues(string(report.Verdict)).Inc()
		}
	}
	r.closeRound(ctx, idx)
}

func (r *Runtime) closeRound(ctx context.Context, idx int) {
	round := &r.match.Rounds[idx]
	round.Status = model.RoundClosed

	totals := make(map[string]int)
	perPlayer := make(map[string]wsproto.PerPlayerRoundResult)
	for _, p := range r.match.Players {
		total := totalFor(r.match, p.PlayerID)
		totals[p.PlayerID] = total
		if r.board != nil {
			if err := r.board.SetScore(r.match.MatchID, p.PlayerID, total); err != nil && r.log != nil {
				r.log.Warn("set leaderboard score failed", zap.String("player_id", p.PlayerID), zap.Error(err))
			}
		}
		submission, ok := round.Submissions[p.PlayerID]
		if !ok {
			continue
		}
		report, ok := round.Grades[submission.SubmissionID]
		if !ok {
			continue
		}
		perPlayer[p.PlayerID] = wsproto.PerPlayerRoundResult{Score: round.Scores[p.PlayerID], GradeReport: report}
	}

	r.bumpAndPersist(ctx)
	r.broadcast(ctx, wsproto.EvtRoundResult, wsproto.RoundResultPayload{
		RoundIndex: idx,
		PerPlayer:  perPlayer,
		Totals:     totals,
	})

	r.match.Cursor = idx + 1
	if r.match.Cursor >= len(r.match.Rounds) {
		r.completeMatch(ctx, "completed")
		return
	}
	r.openRound(ctx, r.match.Cursor)
}

func totalFor(m *model.Match, playerID string) int {
	total := 0
	for _, round := range m.Rounds {
		total += round.Scores[playerID]
	}
	return total
}

func (r *Runtime) handleForfeit(ctx context.Context, playerID, reason string) error {
	if !r.isParticipant(playerID) {
		return ErrPlayerNotInMatch
	}
	if r.match.Status.Terminal() {
		return ErrMatchTerminal
	}

	if r.match.Status == model.StatusWaiting {
		r.removePlayer(playerID)
		r.broadcast(ctx, wsproto.EvtPlayerLeft, wsproto.PlayerLeftPayload{PlayerID: playerID, Reason: reason})
		r.bumpAndPersist(ctx)
		return nil
	}

	if len(r.match.Players) == 2 {
		winner := r.otherPlayer(playerID)
		r.completeMatchWithWinner(ctx, winner, "forfeit")
		return nil
	}

	r.broadcast(ctx, wsproto.EvtPlayerLeft, wsproto.PlayerLeftPayload{PlayerID: playerID, Reason: reason})
	r.markDisconnected(playerID)
	r.bumpAndPersist(ctx)
	return nil
}

func (r *Runtime) removePlayer(playerID string) {
	players := r.match.Players[:0:0]
	for _, p := range r.match.Players {
		if p.PlayerID != playerID {
			players = append(players, p)
		}
	}
	r.match.Players = players
}

func (r *Runtime) otherPlayer(excludePlayerID string) string {
	for _, p := range r.match.Players {
		if p.PlayerID != excludePlayerID {
			return p.PlayerID
		}
	}
	return ""
}

func (r *Runtime) handleDisconnect(ctx context.Context, playerID string) error {
	if !r.isParticipant(playerID) {
		return ErrPlayerNotInMatch
	}
	if r.match.Status.Terminal() {
		return nil
	}
	r.markDisconnected(playerID)
	r.bumpAndPersist(ctx)

	r.clock.AfterFunc(r.cfg.GraceDisconnect, func() {
		r.enqueue(r.runCtx, func(ctx context.Context) { r.onGraceExpired(ctx, playerID) })
	})
	return nil
}

func (r *Runtime) markDisconnected(playerID string) {
	if r.match.Disconnected == nil {
		r.match.Disconnected = make(map[string]time.Time)
	}
	r.match.Disconnected[playerID] = r.clock.Now()
	for i := range r.match.Players {
		if r.match.Players[i].PlayerID == playerID {
			r.match.Players[i].Connected = false
		}
	}
}

func (r *Runtime) handleReconnect(ctx context.Context, playerID string) error {
	if !r.isParticipant(playerID) {
		return ErrPlayerNotInMatch
	}
	delete(r.match.Disconnected, playerID)
	for i := range r.match.Players {
		if r.match.Players[i].PlayerID == playerID {
			r.match.Players[i].Connected = true
			r.match.Players[i].LastSeenAt = r.clock.Now()
		}
	}
	r.bumpAndPersist(ctx)
	snap := r.buildSnapshot()
	r.whisper(ctx, playerID, wsproto.EvtResync, wsproto.ResyncPayload{Snapshot: snap})
	return nil
}

func (r *Runtime) onGraceExpired(ctx context.Context, playerID string) {
	if r.match.Status.Terminal() {
		return
	}
	disconnectedAt, stillDisconnected := r.match.Disconnected[playerID]
	if !stillDisconnected {
		return
	}
	if r.clock.Now().Before(disconnectedAt.Add(r.cfg.GraceDisconnect)) {
		return
	}

	if len(r.match.Players) == 2 {
		winner := r.otherPlayer(playerID)
		r.completeMatchWithWinner(ctx, winner, "forfeit")
		return
	}
	// n>2 players: the player keeps their slot but scores 0 going forward;
	// nothing further to do here, future rounds simply have no submission.
}

func (r *Runtime) handleSpectate(ctx context.Context, playerID string) error {
	if r.isParticipant(playerID) {
		return nil
	}
	if r.match.Config.IsPrivate {
		if _, allowed := r.match.Config.InvitedSpectatorIDs[playerID]; !allowed {
			return ErrPrivateDenied
		}
	}
	r.match.Spectators = append(r.match.Spectators, model.Player{PlayerID: playerID, Connected: true, LastSeenAt: r.clock.Now()})
	return nil
}

func (r *Runtime) handleStopSpectating(ctx context.Context, playerID string) error {
	spectators := r.match.Spectators[:0:0]
	for _, p := range r.match.Spectators {
		if p.PlayerID != playerID {
			spectators = append(spectators, p)
		}
	}
	r.match.Spectators = spectators
	return nil
}

func (r *Runtime) handleOwnerCancel(ctx context.Context, ownerID string) error {
	if r.match.OwnerPlayerID == "" || r.match.OwnerPlayerID != ownerID {
		return ErrNotOwner
	}
	if r.match.Status != model.StatusWaiting {
		return ErrMatchTerminal
	}
	r.cancelMatch(ctx, "owner_cancel")
	return nil
}

func (r *Runtime) handleChatMessage(ctx context.Context, playerID, text string) error {
	if !r.isParticipant(playerID) {
		return ErrPlayerNotInMatch
	}
	msg := wsproto.ChatMessagePayload{From: playerID, Text: text, TS: r.clock.Now()}
	r.chatHistory = append(r.chatHistory, msg)
	if len(r.chatHistory) > 200 {
		r.chatHistory = r.chatHistory[len(r.chatHistory)-200:]
	}
	r.broadcast(ctx, wsproto.EvtChatMessage, msg)
	return nil
}

func (r *Runtime) completeMatch(ctx context.Context, reason string) {
	r.match.Status = model.StatusCompleted
	r.match.EndedAt = r.clock.Now()
	r.finishTerminal(ctx, reason, "")
}

func (r *Runtime) completeMatchWithWinner(ctx context.Context, winnerPlayerID, reason string) {
	r.match.Status = model.StatusCompleted
	r.match.EndedAt = r.clock.Now()
	r.finishTerminal(ctx, reason, winnerPlayerID)
}

func (r *Runtime) cancelMatch(ctx context.Context, reason string) {
	r.match.Status = model.StatusCancelled
	r.match.EndedAt = r.clock.Now()
	r.finishTerminal(ctx, reason, "")
}

func (r *Runtime) finishTerminal(ctx context.Context, reason, winnerPlayerID string) {
	earliest := make(map[string]time.Time)
	scores := make(map[string]int)
	for _, p := range r.match.Players {
		scores[p.PlayerID] = totalFor(r.match, p.PlayerID)
	}
	for _, round := range r.match.Rounds {
		for playerID, submission := range round.Submissions {
			if existing, ok := earliest[playerID]; !ok || submission.SubmittedAt.Before(existing) {
				earliest[playerID] = submission.SubmittedAt
			}
		}
	}
	standings := leaderboard.StandingsFromMatch(scores, earliest)
	if winnerPlayerID != "" {
		markForfeitWinner(standings, winnerPlayerID)
	}
	r.bumpAndPersist(ctx)
	endReason := reason
	if r.match.Status == model.StatusCancelled {
		endReason = "cancelled"
	}
	r.broadcast(ctx, wsproto.EvtMatchEnd, wsproto.MatchEndPayload{Standings: standings, Reason: endReason})

	if r.persist != nil {
		result := buildFinalResult(r.match, standings, reason)
		if err := r.persist.SaveFinalResult(ctx, result); err != nil && r.log != nil {
			r.log.Error("save final result failed", zap.Error(err))
		}
		if err := r.persist.ApplyRatingUpdates(ctx, r.match.MatchID, result); err != nil && r.log != nil {
			r.log.Error("apply rating updates failed", zap.Error(err))
		}
	}

	key := fmt.Sprintf("match:%s", r.match.MatchID)
	if err := r.ss.SetTTL(ctx, key, r.cfg.RetentionWindow); err != nil && r.log != nil {
		r.log.Warn("set retention ttl failed", zap.Error(err))
	}

	if r.board != nil {
		if err := r.board.Close(r.match.MatchID); err != nil && r.log != nil {
			r.log.Warn("close leaderboard failed", zap.Error(err))
		}
	}
	if r.mtr != nil {
		r.mtr.MatchesCompleted.WithLabelValues(reason).Inc()
		if r.startedMetric {
			r.mtr.MatchesLive.Dec()
		}
	}

	r.terminal = true
}

// markForfeitWinner flags winnerPlayerID's entry and moves it to the front
// of standings in place, without altering any Total so the sum of totals
// still equals the sum of per-round scores.
func markForfeitWinner(standings []model.StandingEntry, winnerPlayerID string) {
	for i := range standings {
		if standings[i].PlayerID != winnerPlayerID {
			continue
		}
		winner := standings[i]
		winner.WonByForfeit = true
		copy(standings[1:i+1], standings[0:i])
		standings[0] = winner
		return
	}
}

func (r *Runtime) broadcast(ctx context.Context, eventType string, payload any) {
	if r.bc == nil {
		return
	}
	env, err := wsproto.Encode(eventType, r.match.MatchID, r.match.Version, payload)
	if err != nil {
		if r.log != nil {
			r.log.Error("encode broadcast failed", zap.Error(err))
		}
		return
	}
	if err := r.bc.Broadcast(ctx, r.match.MatchID, env); err != nil && r.log != nil {
		r.log.Error("broadcast failed", zap.Error(err))
	}
}

func (r *Runtime) whisper(ctx context.Context, playerID, eventType string, payload any) {
	if r.bc == nil {
		return
	}
	env, err := wsproto.Encode(eventType, r.match.MatchID, r.match.Version, payload)
	if err != nil {
		return
	}
	if err := r.bc.Whisper(ctx, r.match.MatchID, playerID, env); err != nil && r.log != nil {
		r.log.Error("whisper failed", zap.Error(err))
	}
}

func (r *Runtime) handleShutdown(ctx context.Context, reason string) {
	if r.match.Status.Terminal() {
		return
	}
	r.cancelMatch(ctx, reason)
}

func buildFinalResult(m *model.Match, standings []model.StandingEntry, reason string) store.FinalResult {
	records := make([]store.StandingRecord, len(standings))
	for i, s := range standings {
		records[i] = store.StandingRecord{
			PlayerID:         s.PlayerID,
			Total:            s.Total,
			EarliestSubmitAt: s.EarliestSubmitAt,
			Placement:        i + 1,
		}
	}
	return store.FinalResult{
		MatchID:   m.MatchID,
		Mode:      string(m.Mode),
		Ranked:    m.Config.IsRanked,
		Standings: records,
		Cancelled: m.Status == model.StatusCancelled,
		CancelWhy: reason,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
	}
}
