package services

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"clearnode/internal/models"
	"clearnode/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	challenges atomic.Int32
	keys       atomic.Int32
	keysErr    error
}

func (f *fakeAuth) SweepChallenges() int {
	f.challenges.Add(1)
	return 2
}

func (f *fakeAuth) SweepSessionKeys(context.Context) (int64, error) {
	f.keys.Add(1)
	return 0, f.keysErr
}

type fakeChannels struct{ calls atomic.Int32 }

func (f *fakeChannels) SweepStale(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

type fakeNode struct {
	balance *big.Int
	err     error
}

func (f fakeNode) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, f.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRunOnceRunsEveryTask(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Requests().Reserve(ctx, &models.RPCRecord{Signer: "0x01", RequestID: 1, Method: "transfer", PayloadHash: "0x01"}))

	auth := &fakeAuth{keysErr: errors.New("db down")}
	channels := &fakeChannels{}
	s := NewSchedulerService(auth, channels, store, SchedulerOptions{
		Interval: time.Second,
		Broker:   common.HexToAddress("0x01"),
		Balances: map[string]BalanceReader{
			"polygon": fakeNode{balance: big.NewInt(1e18)},
			"sepolia": fakeNode{err: errors.New("unreachable")},
		},
	}, quietLogger())
	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	s.RunOnce(ctx)

	assert.Equal(t, int32(1), auth.challenges.Load())
	assert.Equal(t, int32(1), auth.keys.Load())
	assert.Equal(t, int32(1), channels.calls.Load())

	// the record is past retention, so the same payload may be reserved again
	assert.NoError(t, store.Requests().Reserve(ctx, &models.RPCRecord{Signer: "0x01", RequestID: 1, Method: "transfer", PayloadHash: "0x01"}))
}

func TestRecentRecordsSurvivePrune(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Requests().Reserve(ctx, &models.RPCRecord{Signer: "0x01", RequestID: 7, Method: "transfer", PayloadHash: "0x07"}))

	s := NewSchedulerService(&fakeAuth{}, &fakeChannels{}, store, SchedulerOptions{}, quietLogger())
	s.RunOnce(ctx)

	err := store.Requests().Reserve(ctx, &models.RPCRecord{Signer: "0x01", RequestID: 7, Method: "transfer", PayloadHash: "0x07"})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestStartAndStop(t *testing.T) {
	channels := &fakeChannels{}
	s := NewSchedulerService(&fakeAuth{}, channels, repository.NewMemoryStore(), SchedulerOptions{Interval: 10 * time.Millisecond}, quietLogger())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return channels.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	n := channels.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, channels.calls.Load())
}
