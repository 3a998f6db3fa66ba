package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock, zerolog.Nop()), mock
}

func TestInsertFinding(t *testing.T) {
	s, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), time.Now())
	mock.ExpectQuery("INSERT INTO findings").
		WithArgs("macro_watcher", (*string)(nil), (*string)(nil), "Yield inversion", "2s10s inverted", SeverityHigh, 0.8, (map[string]any)(nil)).
		WillReturnRows(rows)

	id, err := s.InsertFinding(context.Background(), "macro_watcher", FindingDraft{
		Title:       "Yield inversion",
		Description: "2s10s inverted",
		Severity:    SeverityHigh,
		Confidence:  0.8,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFindingRejectsInvalidDraft(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.InsertFinding(context.Background(), "a", FindingDraft{
		Title:      "x",
		Severity:   "catastrophic",
		Confidence: 0.5,
	})
	assert.Error(t, err)

	_, err = s.InsertFinding(context.Background(), "a", FindingDraft{
		Title:      "x",
		Severity:   SeverityLow,
		Confidence: 1.5,
	})
	assert.Error(t, err)
}

func TestInsertFindingsCommitsAsUnit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO findings").
		WithArgs("scanner", (*string)(nil), (*string)(nil), "first", "", SeverityLow, 0.3, (map[string]any)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectQuery("INSERT INTO findings").
		WithArgs("scanner", (*string)(nil), (*string)(nil), "second", "", SeverityMedium, 0.6, (map[string]any)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(2), time.Now()))
	mock.ExpectCommit()

	ids, err := s.InsertFindings(context.Background(), "scanner", []FindingDraft{
		{Title: "first", Severity: SeverityLow, Confidence: 0.3},
		{Title: "second", Severity: SeverityMedium, Confidence: 0.6},
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFindingsRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO findings").
		WithArgs("scanner", (*string)(nil), (*string)(nil), "first", "", SeverityLow, 0.3, (map[string]any)(nil)).
		WillReturnError(errors.New("disk on fire"))
	mock.ExpectRollback()

	_, err := s.InsertFindings(context.Background(), "scanner", []FindingDraft{
		{Title: "first", Severity: SeverityLow, Confidence: 0.3},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFindingsEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	ids, err := s.InsertFindings(context.Background(), "scanner", nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAnalysisOnlyOnce(t *testing.T) {
	s, mock := newMockStore(t)

	a := Analysis{
		ConsensusAction:     ActionAct,
		ConsensusConfidence: 0.785,
		LLMVotes:            map[string]string{"gpt": ActionAct, "claude": ActionAct, "gemini": ActionWatch},
		LLMDisagreement:     0.2,
		TARegime:            "risk_on",
	}

	mock.ExpectExec("UPDATE findings").
		WithArgs(int64(7), a.ConsensusAction, a.ConsensusConfidence, a.LLMVotes, a.LLMDisagreement,
			a.TARegime, (*string)(nil), (*string)(nil), (*string)(nil), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	applied, err := s.ApplyAnalysis(context.Background(), 7, a, false)
	require.NoError(t, err)
	assert.True(t, applied)

	// Second call without force touches no rows.
	mock.ExpectExec("UPDATE findings").
		WithArgs(int64(7), a.ConsensusAction, a.ConsensusConfidence, a.LLMVotes, a.LLMDisagreement,
			a.TARegime, (*string)(nil), (*string)(nil), (*string)(nil), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err = s.ApplyAnalysis(context.Background(), 7, a, false)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAlertedIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE findings").
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE findings").
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	first, err := s.MarkAlerted(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkAlerted(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFindingNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM findings").
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetFinding(context.Background(), 404)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVoteUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO council_voting_stats").
		WithArgs("macro_watcher", "risk_on", 0, 0, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordVote(context.Background(), "macro_watcher", "risk_on", ActionIgnore)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVotingStatDerivedFields(t *testing.T) {
	v := VotingStat{VotesAct: 2, VotesWatch: 3, VotesIgnore: 5}
	assert.Equal(t, 10, v.TotalVotes())
	assert.Equal(t, 0.5, v.IgnoreRate())

	empty := VotingStat{}
	assert.Equal(t, 0.0, empty.IgnoreRate())
}

func TestInsertUncertaintyEvent(t *testing.T) {
	s, mock := newMockStore(t)

	e := &UncertaintyEvent{
		Label:             "shock",
		Score:             0.9,
		Spike:             true,
		Disagreement:      0.8,
		Votes:             map[string]string{"gpt": "shock"},
		ActiveRegime:      "risk_off",
		CadenceMultiplier: 0.5,
		DecayMultiplier:   0.6,
	}

	rows := pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), time.Now())
	mock.ExpectQuery("INSERT INTO uncertainty_events").
		WithArgs(e.Label, e.Score, e.Spike, e.Disagreement, e.Votes,
			e.ActiveRegime, e.CadenceMultiplier, e.DecayMultiplier).
		WillReturnRows(rows)

	require.NoError(t, s.InsertUncertaintyEvent(context.Background(), e))
	assert.Equal(t, int64(3), e.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDealIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO deals").
		WithArgs(int64(5), "deal_hunter", (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO deals").
		WithArgs(int64(5), "deal_hunter", (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.InsertDeal(context.Background(), 5, "deal_hunter", nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.InsertDeal(context.Background(), 5, "deal_hunter", nil)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunError(t *testing.T) {
	s, mock := newMockStore(t)

	long := make([]byte, maxErrorLen+100)
	for i := range long {
		long[i] = 'x'
	}
	truncated := string(long[:maxErrorLen])

	mock.ExpectExec("UPDATE agent_status").
		WithArgs("flaky_agent", truncated).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.RecordRunError(context.Background(), "flaky_agent", errors.New(string(long)))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
