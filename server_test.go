package paychan

import (
	"errors"
	"testing"
	"time"

	"github.com/btcmicro/paychan/chandb"
	"github.com/btcmicro/paychan/channel"
	"github.com/btcmicro/paychan/chanwire"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// TestServerVersionMismatch holds the server to its single protocol
// generation: a client offering any other major version is answered with
// NO_ACCEPTABLE_VERSION before any SERVER_VERSION goes out.
func TestServerVersionMismatch(t *testing.T) {
	t.Parallel()

	h := newConnHarness(t)

	err := h.server.ReceiveMessage(&chanwire.ClientVersion{Major: 2})

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseNoAcceptableVersion, closeErr.Reason)

	errMsg := h.toClient.next(t)
	require.IsType(t, &chanwire.Error{}, errMsg)
	require.Equal(
		t, chanwire.CodeNoAcceptableVersion,
		errMsg.(*chanwire.Error).Code,
	)

	require.Equal(t, CloseNoAcceptableVersion, h.serverClose.await(t))
}

// TestServerTimeWindowBounds exercises both edges of the server's lifetime
// policy: a request beyond the maximum is refused, one below the minimum is
// answered with the minimum instead.
func TestServerTimeWindowBounds(t *testing.T) {
	t.Parallel()

	t.Run("too long is refused", func(t *testing.T) {
		t.Parallel()

		h := newConnHarness(t)

		err := h.server.ReceiveMessage(&chanwire.ClientVersion{
			Major: ProtocolMajorVersion,
			TimeWindowSecs: uint64(
				(DefaultMaxTimeWindow + time.Hour) /
					time.Second,
			),
		})

		var closeErr *CloseError
		require.ErrorAs(t, err, &closeErr)
		require.Equal(t, CloseTimeWindowTooLarge, closeErr.Reason)

		require.IsType(t, &chanwire.ServerVersion{}, h.toClient.next(t))

		errMsg := h.toClient.next(t)
		require.IsType(t, &chanwire.Error{}, errMsg)
		require.Equal(
			t, chanwire.CodeTimeWindowTooLarge,
			errMsg.(*chanwire.Error).Code,
		)
	})

	t.Run("too short is bumped to the minimum", func(t *testing.T) {
		t.Parallel()

		h := newConnHarness(t)

		require.NoError(t, h.server.ReceiveMessage(
			&chanwire.ClientVersion{
				Major:          ProtocolMajorVersion,
				TimeWindowSecs: 3600,
			},
		))

		require.IsType(t, &chanwire.ServerVersion{}, h.toClient.next(t))

		initiate := h.toClient.next(t)
		require.IsType(t, &chanwire.Initiate{}, initiate)
		require.Equal(
			t, uint64(testStart.Unix())+
				uint64(DefaultMinTimeWindow/time.Second),
			initiate.(*chanwire.Initiate).ExpireTimeSecs,
		)
	})
}

// TestServerUnknownResume names a channel the server has no trace of. The
// server answers with a fresh INITIATE rather than CHANNEL_OPEN.
func TestServerUnknownResume(t *testing.T) {
	t.Parallel()

	h := newConnHarness(t)

	require.NoError(t, h.server.ReceiveMessage(&chanwire.ClientVersion{
		Major:          ProtocolMajorVersion,
		TimeWindowSecs: uint64(DefaultTimeWindow / time.Second),
		PreviousChannelContractHash: chainhash.Hash{
			0xde, 0xad, 0xbe, 0xef,
		},
	}))

	require.IsType(t, &chanwire.ServerVersion{}, h.toClient.next(t))
	require.IsType(t, &chanwire.Initiate{}, h.toClient.next(t))
}

// TestServerBadPaymentSignature rejects a payment update whose signature
// does not verify, leaving the banked value untouched.
func TestServerBadPaymentSignature(t *testing.T) {
	t.Parallel()

	h := newConnHarness(t)
	h.openChannel()

	err := h.server.ReceiveMessage(&chanwire.UpdatePayment{
		ClientChangeValue: testChannelValue - testMinPayment - 50_000,
		Signature:         chanwire.Signature{0x30, 0x01, 0x00},
	})

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseRemoteSentInvalidMessage, closeErr.Reason)

	errMsg := h.toClient.next(t)
	require.IsType(t, &chanwire.Error{}, errMsg)
	require.Equal(
		t, chanwire.CodeBadTransaction, errMsg.(*chanwire.Error).Code,
	)

	// Only the opening payment was ever banked.
	require.Equal(t, testMinPayment, h.server.Channel().BestValueToMe())
	require.Len(t, h.receivedPayments(), 1)
}

// TestServerPaymentHandlerFailure has the application handler reject an
// increase the machine already banked. The connection comes down with
// UpdatePaymentFailed, the client learns of it through the wire error, and
// its in-flight payment fails rather than hangs.
func TestServerPaymentHandlerFailure(t *testing.T) {
	t.Parallel()

	h := newConnHarness(t)
	h.openChannel()

	h.setPaymentErr(errors.New("ledger unavailable"))

	result, err := h.client.IncrementPayment(5_000, nil)
	require.NoError(t, err)

	err = h.server.ReceiveMessage(h.toServer.next(t))

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseUpdatePaymentFailed, closeErr.Reason)

	errMsg := h.toClient.next(t)
	require.IsType(t, &chanwire.Error{}, errMsg)
	require.Equal(t, chanwire.CodeOther, errMsg.(*chanwire.Error).Code)

	// The value was signed over before the handler ran; the bank keeps
	// it even though the connection died.
	require.Equal(
		t, testMinPayment+5_000, h.server.Channel().BestValueToMe(),
	)

	err = h.client.ReceiveMessage(errMsg)
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseRemoteSentError, closeErr.Reason)

	waitDone(t, result.Done())
	_, err = result.Outcome()
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseRemoteSentError, closeErr.Reason)
}

// TestServerWrongStepMessage tears the connection down when the client
// speaks out of sequence.
func TestServerWrongStepMessage(t *testing.T) {
	t.Parallel()

	h := newConnHarness(t)

	err := h.server.ReceiveMessage(&chanwire.UpdatePayment{
		ClientChangeValue: 1_000,
	})

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseRemoteSentInvalidMessage, closeErr.Reason)

	errMsg := h.toClient.next(t)
	require.IsType(t, &chanwire.Error{}, errMsg)
	require.Equal(
		t, chanwire.CodeSyntaxError, errMsg.(*chanwire.Error).Code,
	)
}

// TestManagerCloseChannel covers the manager's offline close paths: unknown
// channels are reported as such, and a channel that never saw a payment is
// abandoned rather than settled.
func TestManagerCloseChannel(t *testing.T) {
	t.Parallel()

	h := newConnHarness(t)

	err := h.manager.CloseChannel(chainhash.Hash{0x01})
	require.ErrorIs(t, err, chandb.ErrChannelNotFound)

	// Open a channel but never deliver the opening payment.
	require.NoError(t, h.client.Start())
	require.IsType(t, &chanwire.ClientVersion{}, h.deliverToServer())
	require.IsType(t, &chanwire.ServerVersion{}, h.deliverToClient())
	require.IsType(t, &chanwire.Initiate{}, h.deliverToClient())
	require.IsType(t, &chanwire.ProvideRefund{}, h.deliverToServer())
	require.IsType(t, &chanwire.ReturnRefund{}, h.deliverToClient())
	require.IsType(t, &chanwire.ProvideContract{}, h.deliverToServer())
	h.confirmLastBroadcast()
	require.IsType(t, &chanwire.ChannelOpen{}, h.deliverToClient())

	id := h.server.ChannelID()
	require.NotNil(t, h.serverRecord(id))

	h.client.ConnectionClosed()
	h.server.ConnectionClosed()

	// Nothing was ever paid, so there is nothing worth broadcasting.
	err = h.manager.CloseChannel(id)
	require.ErrorIs(t, err, channel.ErrNoPayments)
	require.Nil(t, h.serverRecord(id))

	// The channel is gone for good now.
	err = h.manager.CloseChannel(id)
	require.ErrorIs(t, err, chandb.ErrChannelNotFound)
}

// TestManagerRestartResume rebuilds the manager from the registry records,
// as after a process restart, and expects a returning client to resume and
// settle its channel as if nothing happened.
func TestManagerRestartResume(t *testing.T) {
	t.Parallel()

	h := newConnHarness(t)
	id := h.openChannel()
	h.pay(20_000, nil)

	h.client.ConnectionClosed()
	h.server.ConnectionClosed()
	resume := h.client.Channel()

	// The node restarts: a fresh manager over the same registry.
	restarted, err := NewChannelManager(ManagerConfig{
		Builder:       h.builder,
		Broadcaster:   h.broadcaster,
		RecordChannel: h.recordServerChannel,
		RemoveChannel: h.removeServerChannel,
		FetchChannel:  h.fetchServerChannel,
		MinPayment:    testMinPayment,
	})
	require.NoError(t, err)

	h.connect(resume, nil, func(cfg *ServerConfig) {
		cfg.Manager = restarted
	})

	require.NoError(t, h.client.Start())
	require.IsType(t, &chanwire.ClientVersion{}, h.deliverToServer())
	require.IsType(t, &chanwire.ServerVersion{}, h.deliverToClient())
	require.IsType(t, &chanwire.ChannelOpen{}, h.deliverToClient())

	require.True(t, h.client.Resumed())
	require.Equal(
		t, testMinPayment+20_000, h.server.Channel().BestValueToMe(),
	)

	// The resumed channel takes payments and settles like any other.
	h.pay(5_000, nil)
	require.NoError(t, h.client.Settle())
	require.IsType(t, &chanwire.CloseChannel{}, h.deliverToServer())

	settlement := h.confirmLastBroadcast()

	closeMsg := h.deliverToClient()
	require.IsType(t, &chanwire.CloseChannel{}, closeMsg)
	require.Equal(
		t, settlement.TxHash(),
		closeMsg.(*chanwire.CloseChannel).SettlementTx.TxHash(),
	)

	// The settlement pays out the whole banked value minus the flat fee,
	// and both registries forget the channel.
	best := testMinPayment + 20_000 + 5_000
	flatFee := h.builder.Estimator.ChannelTxFee()
	require.EqualValues(t, best-flatFee, settlement.TxOut[1].Value)

	require.Equal(t, CloseClientRequestedClose, h.serverClose.await(t))
	require.Nil(t, h.serverRecord(id))
	require.Nil(t, h.clientRecord(id))
}
