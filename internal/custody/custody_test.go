package custody

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"

	"clearnode/internal/config"
	"clearnode/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	wallet      = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	broker      = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	adjudicator = common.HexToAddress("0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB")
	token       = common.HexToAddress("0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb")
	contract    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func testChannel() Channel {
	return Channel{
		Participants: []common.Address{wallet, broker},
		Adjudicator:  adjudicator,
		Challenge:    3600,
		Nonce:        7,
	}
}

func testState(version int64) State {
	return State{
		Intent:  1,
		Version: big.NewInt(version),
		Data:    []byte{},
		Allocations: []Allocation{
			{Destination: wallet, Token: token, Amount: big.NewInt(500)},
			{Destination: broker, Token: token, Amount: big.NewInt(0)},
		},
	}
}

func TestChannelID(t *testing.T) {
	id1, err := ChannelID(testChannel(), 1)
	require.NoError(t, err)
	id2, err := ChannelID(testChannel(), 1)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	other, err := ChannelID(testChannel(), 137)
	require.NoError(t, err)
	assert.NotEqual(t, id1, other, "chain id is part of the id")

	ch := testChannel()
	ch.Nonce++
	bumped, err := ChannelID(ch, 1)
	require.NoError(t, err)
	assert.NotEqual(t, id1, bumped)
}

func TestStateHashIgnoresSignatures(t *testing.T) {
	id, err := ChannelID(testChannel(), 1)
	require.NoError(t, err)

	st := testState(0)
	h1, err := StateHash(id, st)
	require.NoError(t, err)

	st.Sigs = [][]byte{{0x01, 0x02}}
	h2, err := StateHash(id, st)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	next := testState(1)
	h3, err := StateHash(id, next)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestResizeDataRoundTrip(t *testing.T) {
	data, err := EncodeResizeData(big.NewInt(-100), big.NewInt(25))
	require.NoError(t, err)

	resize, allocate, err := DecodeResizeData(data)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), resize.Int64())
	assert.Equal(t, int64(25), allocate.Int64())

	_, _, err = DecodeResizeData([]byte{0x01})
	assert.Error(t, err)
}

func TestModelConversion(t *testing.T) {
	st := testState(3)
	st.Intent = uint8(models.ChannelIntentResize)
	st.Data = []byte{0xde, 0xad}

	m := ToModel(st)
	assert.Equal(t, models.ChannelIntentResize, m.Intent)
	assert.Equal(t, uint64(3), m.Version)
	assert.Equal(t, "0xdead", m.Data)
	require.Len(t, m.Allocations, 2)
	assert.Equal(t, wallet.Hex(), m.Allocations[0].Destination)
	assert.Equal(t, "500", m.Allocations[0].Amount)

	back, err := FromModel(m)
	require.NoError(t, err)
	assert.Equal(t, st.Intent, back.Intent)
	assert.Equal(t, 0, st.Version.Cmp(back.Version))
	assert.Equal(t, st.Data, back.Data)
	require.Len(t, back.Allocations, 2)
	for i, a := range back.Allocations {
		assert.Equal(t, st.Allocations[i].Destination, a.Destination)
		assert.Equal(t, st.Allocations[i].Token, a.Token)
		assert.Equal(t, 0, st.Allocations[i].Amount.Cmp(a.Amount))
	}
}

func eventLog(t *testing.T, kind EventKind, block uint64, topics []common.Hash, args ...interface{}) types.Log {
	t.Helper()
	ev := ContractABI.Events[string(kind)]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Address:     contract,
		Topics:      append([]common.Hash{ev.ID}, topics...),
		Data:        data,
		BlockNumber: block,
	}
}

func TestDecodeLog(t *testing.T) {
	id, err := ChannelID(testChannel(), 1)
	require.NoError(t, err)

	t.Run("created", func(t *testing.T) {
		lg := eventLog(t, EventCreated, 10, []common.Hash{id, common.BytesToHash(wallet.Bytes())}, testChannel(), testState(0))
		ev, err := DecodeLog(1, lg)
		require.NoError(t, err)
		assert.Equal(t, EventCreated, ev.Kind)
		assert.Equal(t, id, ev.ChannelID)
		assert.Equal(t, wallet, ev.Wallet)
		require.NotNil(t, ev.Channel)
		assert.Equal(t, testChannel().Participants, ev.Channel.Participants)
		assert.Equal(t, uint64(7), ev.Channel.Nonce)
		require.NotNil(t, ev.State)
		assert.Equal(t, int64(500), ev.State.Allocations[0].Amount.Int64())
	})

	t.Run("opened", func(t *testing.T) {
		ev, err := DecodeLog(1, eventLog(t, EventOpened, 11, []common.Hash{id}))
		require.NoError(t, err)
		assert.Equal(t, EventOpened, ev.Kind)
		assert.Equal(t, uint64(11), ev.BlockNumber)
	})

	t.Run("resized", func(t *testing.T) {
		ev, err := DecodeLog(1, eventLog(t, EventResized, 12, []common.Hash{id}, []*big.Int{big.NewInt(-100), big.NewInt(0)}))
		require.NoError(t, err)
		require.Len(t, ev.Deltas, 2)
		assert.Equal(t, int64(-100), ev.Deltas[0].Int64())
	})

	t.Run("challenged", func(t *testing.T) {
		ev, err := DecodeLog(1, eventLog(t, EventChallenged, 13, []common.Hash{id}, testState(4), big.NewInt(99)))
		require.NoError(t, err)
		assert.Equal(t, int64(4), ev.State.Version.Int64())
		assert.Equal(t, int64(99), ev.Expiration.Int64())
	})

	t.Run("unknown topic", func(t *testing.T) {
		_, err := DecodeLog(1, types.Log{Topics: []common.Hash{{0x01}, id}})
		assert.ErrorIs(t, err, ErrUnknownEvent)
	})
}

type fakeSource struct {
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

type recordingHandler struct {
	events []*Event
	fail   error
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev *Event) error {
	if h.fail != nil {
		return h.fail
	}
	h.events = append(h.events, ev)
	return nil
}

func newTestWatcher(t *testing.T, source LogSource, handler EventHandler) *Watcher {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w, err := NewWatcher(config.NetworkConfig{
		Name:            "testnet",
		ChainID:         1,
		CustodyContract: contract.Hex(),
		StartBlock:      10,
		BlockRange:      5,
		Confirmations:   2,
	}, source, handler, logger)
	require.NoError(t, err)
	return w
}

func TestWatcherPoll(t *testing.T) {
	ctx := context.Background()
	id, err := ChannelID(testChannel(), 1)
	require.NoError(t, err)

	source := &fakeSource{head: 20, logs: []types.Log{
		eventLog(t, EventCreated, 10, []common.Hash{id, common.BytesToHash(wallet.Bytes())}, testChannel(), testState(0)),
		eventLog(t, EventOpened, 12, []common.Hash{id}),
		eventLog(t, EventClosed, 17, []common.Hash{id}, testState(2)),
	}}
	handler := &recordingHandler{}
	w := newTestWatcher(t, source, handler)

	n, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(15), w.NextBlock())

	n, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(19), w.NextBlock(), "stops at head minus confirmations")

	n, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, source.queries, 2)

	require.Len(t, handler.events, 3)
	assert.Equal(t, EventCreated, handler.events[0].Kind)
	assert.Equal(t, EventOpened, handler.events[1].Kind)
	assert.Equal(t, EventClosed, handler.events[2].Kind)
}

func TestWatcherRetriesWindowOnHandlerError(t *testing.T) {
	ctx := context.Background()
	id, err := ChannelID(testChannel(), 1)
	require.NoError(t, err)

	source := &fakeSource{head: 20, logs: []types.Log{eventLog(t, EventOpened, 11, []common.Hash{id})}}
	handler := &recordingHandler{fail: errors.New("db down")}
	w := newTestWatcher(t, source, handler)

	_, err = w.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(10), w.NextBlock())

	handler.fail = nil
	n, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(15), w.NextBlock())
}
