package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/eventcert/certclaim/internal/model"
	"github.com/eventcert/certclaim/internal/repository"
	"github.com/eventcert/certclaim/internal/repository/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var testBase = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

const testWindow = 10 * time.Minute

type fixture struct {
	svc      *Service
	events   *memory.EventStore
	regs     *memory.RegistrationStore
	certs    *memory.CertificateStore
	seqs     *memory.SequenceStore
	assets   *memory.AssetStore
	composer *stubComposer

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		events:   memory.NewEventStore(),
		regs:     memory.NewRegistrationStore(),
		certs:    memory.NewCertificateStore(),
		seqs:     &memory.SequenceStore{},
		assets:   memory.NewAssetStore(),
		composer: &stubComposer{},
		now:      testBase,
	}
	f.svc = New(f.events, f.regs, f.certs, f.seqs, f.assets, f.composer, zap.NewNop(), Options{
		ClaimWindow:  testWindow,
		PendingWait:  300 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Now: func() time.Time {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.now
		},
	})
	return f
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// endedEvent creates an event owned by "org-1", registers the given students
// as "Student <id>", and ends it at testBase with the reference layout.
func (f *fixture) endedEvent(t *testing.T, studentIDs ...string) string {
	t.Helper()
	ctx := context.Background()

	event, err := f.svc.CreateEvent(ctx, "org-1", model.CreateEventRequest{Title: "Go Conference"})
	require.NoError(t, err)

	for _, sid := range studentIDs {
		_, err := f.svc.Register(ctx, event.ID, sid, "Student "+sid, "")
		require.NoError(t, err)
	}

	tmplPath := "tmpl-" + event.ID + ".png"
	f.assets.AddTemplate(tmplPath, []byte("template-bytes"))

	_, err = f.svc.EndEvent(ctx, event.ID, "org-1", model.CertificateConfig{
		NameX:        400,
		NameY:        300,
		CodeX:        400,
		CodeY:        400,
		NameFontSize: 40,
		TemplatePath: tmplPath,
	})
	require.NoError(t, err)
	return event.ID
}

func TestClaimEventNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Claim(context.Background(), "no-such-event", "s1")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestClaimEventNotEnded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event, err := f.svc.CreateEvent(ctx, "org-1", model.CreateEventRequest{Title: "Workshop"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, event.ID, "s1", "Student s1", "")
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, event.ID, "s1")
	require.ErrorIs(t, err, ErrNotEnded)
}

func TestClaimWindowBoundary(t *testing.T) {
	t.Run("one second before expiry succeeds", func(t *testing.T) {
		f := newFixture(t)
		eventID := f.endedEvent(t, "s1")
		f.setNow(testBase.Add(testWindow - time.Second))

		cert, err := f.svc.Claim(context.Background(), eventID, "s1")
		require.NoError(t, err)
		require.Equal(t, "000001", cert.CertCode)
	})

	t.Run("one second after expiry fails", func(t *testing.T) {
		f := newFixture(t)
		eventID := f.endedEvent(t, "s1")
		f.setNow(testBase.Add(testWindow + time.Second))

		_, err := f.svc.Claim(context.Background(), eventID, "s1")
		require.ErrorIs(t, err, ErrWindowExpired)
	})
}

func TestClaimNotRegistered(t *testing.T) {
	f := newFixture(t)
	eventID := f.endedEvent(t, "s1")

	_, err := f.svc.Claim(context.Background(), eventID, "stranger")
	require.ErrorIs(t, err, ErrNotRegistered)
}

// The end-to-end scenario: two students claim in order, the first re-claims,
// and no extra code is ever consumed.
func TestClaimEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eventID := f.endedEvent(t, "s1", "s2")

	first, err := f.svc.Claim(ctx, eventID, "s1")
	require.NoError(t, err)
	require.Equal(t, "000001", first.CertCode)
	require.NotEmpty(t, first.GeneratedCertURL)
	require.NotEmpty(t, first.TemplateURL)

	second, err := f.svc.Claim(ctx, eventID, "s2")
	require.NoError(t, err)
	require.Equal(t, "000002", second.CertCode)

	// Idempotent repeat: same certificate, no sequence consumed.
	again, err := f.svc.Claim(ctx, eventID, "s1")
	require.NoError(t, err)
	require.Equal(t, first.CertCode, again.CertCode)
	require.Equal(t, first.GeneratedCertURL, again.GeneratedCertURL)
	require.Equal(t, int64(2), f.seqs.Value())

	certs, err := f.svc.ListCertificates(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, certs, 2)
}

func TestClaimConcurrentSamePair(t *testing.T) {
	for _, n := range []int{2, 10, 100} {
		t.Run(fmt.Sprintf("%d claimers", n), func(t *testing.T) {
			f := newFixture(t)
			eventID := f.endedEvent(t, "s1")

			codes := make([]string, n)
			var g errgroup.Group
			for i := 0; i < n; i++ {
				i := i
				g.Go(func() error {
					cert, err := f.svc.Claim(context.Background(), eventID, "s1")
					if err != nil {
						return err
					}
					codes[i] = cert.CertCode
					return nil
				})
			}
			require.NoError(t, g.Wait())

			for _, code := range codes {
				require.Equal(t, "000001", code)
			}
			count, err := f.certs.CountByEvent(context.Background(), eventID)
			require.NoError(t, err)
			require.Equal(t, 1, count)
			require.Equal(t, int64(1), f.seqs.Value(), "only the winner may consume a code")
		})
	}
}

func TestClaimConcurrentDistinctStudents(t *testing.T) {
	const n = 20
	f := newFixture(t)

	students := make([]string, n)
	for i := range students {
		students[i] = fmt.Sprintf("s%02d", i)
	}
	eventID := f.endedEvent(t, students...)

	codes := make([]string, n)
	var g errgroup.Group
	for i, sid := range students {
		i, sid := i, sid
		g.Go(func() error {
			cert, err := f.svc.Claim(context.Background(), eventID, sid)
			if err != nil {
				return err
			}
			codes[i] = cert.CertCode
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Codes are exactly 1..n, zero-padded, in some order.
	sort.Strings(codes)
	for i, code := range codes {
		require.Equal(t, model.FormatCertCode(int64(i+1)), code)
	}
}

func TestClaimComposeFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	eventID := f.endedEvent(t, "s1")
	ctx := context.Background()

	failures := 0
	f.composer.hook = func() error {
		if failures == 0 {
			failures++
			return errors.New("font cache corrupted")
		}
		return nil
	}

	_, err := f.svc.Claim(ctx, eventID, "s1")
	require.Error(t, err)

	// The reservation must not be stranded: the slot is free again.
	_, err = f.certs.Get(ctx, eventID, "s1")
	require.ErrorIs(t, err, repository.ErrNotFound)

	// A fresh attempt re-wins. The failed attempt's code is burned, so the
	// retry gets the next value.
	cert, err := f.svc.Claim(ctx, eventID, "s1")
	require.NoError(t, err)
	require.Equal(t, "000002", cert.CertCode)
}

func TestClaimLoserWaitsForWinner(t *testing.T) {
	f := newFixture(t)
	eventID := f.endedEvent(t, "s1")
	ctx := context.Background()

	// Simulate a winner that has reserved but not yet finalized.
	resID, won, err := f.certs.Reserve(ctx, eventID, "s1")
	require.NoError(t, err)
	require.True(t, won)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = f.certs.Finalize(ctx, resID, "000042", "/uploads/tmpl.png", "/uploads/cert.png")
	}()

	cert, err := f.svc.Claim(ctx, eventID, "s1")
	require.NoError(t, err)
	require.Equal(t, "000042", cert.CertCode)
	require.Equal(t, int64(0), f.seqs.Value(), "loser must not allocate a code")
}

func TestClaimPendingTimesOut(t *testing.T) {
	f := newFixture(t)
	eventID := f.endedEvent(t, "s1")
	ctx := context.Background()

	_, won, err := f.certs.Reserve(ctx, eventID, "s1")
	require.NoError(t, err)
	require.True(t, won)

	_, err = f.svc.Claim(ctx, eventID, "s1")
	require.ErrorIs(t, err, ErrClaimPending)
}

// A client disconnect after the ledger race is won must not strand the
// reservation: the winning path runs on a detached context.
func TestClaimSurvivesClientDisconnect(t *testing.T) {
	f := newFixture(t)
	f.certs.FinalizeCtxCheck = true
	eventID := f.endedEvent(t, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	f.composer.hook = func() error {
		cancel()
		return nil
	}

	cert, err := f.svc.Claim(ctx, eventID, "s1")
	require.NoError(t, err)
	require.Equal(t, "000001", cert.CertCode)
	require.False(t, cert.Pending())
}
