package spamcheck_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// op applies one service operation to the spamcheck as last read.
type op func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck)

var ops = []op{
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) { _ = svc.Admit(ctx, sc) },
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) {
		_ = svc.MarkLaunched(ctx, sc, []domain.Run{{AccountEmail: "a@x.com", ExternalID: "c"}}, nil)
	},
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) {
		_ = svc.MarkSendingFinished(ctx, sc)
	},
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) { _ = svc.BeginReports(ctx, sc) },
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) {
		_ = svc.Complete(ctx, sc, nil, nil)
	},
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) {
		_ = svc.Fail(ctx, sc, "x", nil)
	},
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) {
		_, _ = svc.TogglePause(ctx, sc.ID)
	},
	func(ctx context.Context, svc *spamcheck.Service, sc *domain.Spamcheck) {
		name := "renamed"
		_, _ = svc.Update(ctx, sc.ID, spamcheck.UpdateFields{Name: &name})
	},
}

func TestRandomWalkOnlyFollowsLegalEdges(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	properties.Property("status changes are lifecycle edges", prop.ForAll(
		func(steps []int) bool {
			f := newFixture()
			ctx := context.Background()
			sc, err := f.svc.Create(ctx, validInput())
			if err != nil {
				return false
			}

			for _, step := range steps {
				before, err := f.svc.Get(ctx, sc.ID)
				if err != nil {
					return false
				}
				ops[step](ctx, f.svc, before)
				after, err := f.svc.Get(ctx, sc.ID)
				if err != nil {
					return false
				}
				if after.Status != before.Status && !spamcheck.CanTransition(before.Status, after.Status) {
					t.Logf("illegal %s -> %s", before.Status, after.Status)
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(ops)-1)),
	))

	properties.TestingRun(t)
}

func TestStaleWriterCannotSkipEdges(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sc := f.create(t, validInput())
	require.NoError(t, f.svc.Admit(ctx, sc))

	pending, err := f.svc.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Fail(ctx, pending, domain.CodeAllAccountsFailed, nil))

	// pending still carries the status observed before the failure.
	err = f.svc.MarkLaunched(ctx, pending, []domain.Run{{AccountEmail: "a@x.com"}}, nil)
	assert.ErrorIs(t, err, spamcheck.ErrStaleStatus)

	got, err := f.svc.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}
