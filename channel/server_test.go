package channel

import (
	"errors"
	"testing"

	"github.com/btcmicro/paychan/chandb"
	"github.com/btcmicro/paychan/contract"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestServerRefundPolicy asserts the refund countersigning checks: the
// exact expiry and shape are enforced, every rejection leaves the machine
// waiting for a correct refund, and the returned signature carries the
// NONE|ANYONECANPAY mode.
func TestServerRefundPolicy(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)

	require.NoError(t, client.Initiate())
	refund, err := client.Refund()
	require.NoError(t, err)

	// Missing client key.
	_, err = server.ProvideRefundTransaction(refund, nil)
	require.ErrorIs(t, err, contract.ErrContractScript)

	// A lock time past the negotiated expiry would extend the channel
	// unilaterally.
	late := refund.Copy()
	late.LockTime++
	_, err = server.ProvideRefundTransaction(late, ctx.clientKey.PubKey())
	require.ErrorIs(t, err, contract.ErrRefundShape)

	// A zeroed lock time would make the refund spendable immediately.
	early := refund.Copy()
	early.LockTime = 0
	_, err = server.ProvideRefundTransaction(early, ctx.clientKey.PubKey())
	require.ErrorIs(t, err, contract.ErrRefundShape)

	// Value smuggled out through an extra output.
	smuggle := refund.Copy()
	smuggle.AddTxOut(wire.NewTxOut(1_000, []byte{txscript.OP_TRUE}))
	_, err = server.ProvideRefundTransaction(
		smuggle, ctx.clientKey.PubKey(),
	)
	require.ErrorIs(t, err, contract.ErrRefundShape)

	// Every rejection left the machine waiting for a correct refund.
	require.Equal(t, ServerWaitingForRefund, server.State())

	sig, err := server.ProvideRefundTransaction(
		refund, ctx.clientKey.PubKey(),
	)
	require.NoError(t, err)
	require.Equal(t, ServerWaitingForContract, server.State())

	_, hashType, err := contract.ParseChannelSignature(sig)
	require.NoError(t, err)
	require.Equal(
		t, txscript.SigHashNone|txscript.SigHashAnyOneCanPay, hashType,
	)

	// Single shot.
	_, err = server.ProvideRefundTransaction(
		refund, ctx.clientKey.PubKey(),
	)
	require.ErrorIs(t, err, ErrInvalidState)
}

// TestServerContractValidation asserts that only a contract paying the
// agreed 2-of-2 script with real value makes it to the network.
func TestServerContractValidation(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)

	// No contract before the refund dance.
	_, err := server.ProvideContract(wire.NewMsgTx(1))
	require.ErrorIs(t, err, ErrInvalidState)

	contractTx := ctx.handshake(client, server)

	// A contract paying the two keys in swapped order is not the agreed
	// script.
	swapped, err := contract.FundingScript(
		ctx.serverKey.PubKey(), ctx.clientKey.PubKey(),
	)
	require.NoError(t, err)
	bogus := wire.NewMsgTx(1)
	bogus.AddTxOut(wire.NewTxOut(int64(testChannelValue), swapped))
	_, err = server.ProvideContract(bogus)
	require.ErrorIs(t, err, contract.ErrContractScript)
	require.ErrorContains(t, err, "in that order")
	require.Equal(t, ServerWaitingForContract, server.State())

	// The right script carrying no value funds nothing.
	agreed, err := contract.FundingScript(
		ctx.clientKey.PubKey(), ctx.serverKey.PubKey(),
	)
	require.NoError(t, err)
	empty := wire.NewMsgTx(1)
	empty.AddTxOut(wire.NewTxOut(0, agreed))
	_, err = server.ProvideContract(empty)
	require.ErrorIs(t, err, ErrValueOutOfRange)
	require.Equal(t, ServerWaitingForContract, server.State())

	// Nothing bogus was ever broadcast.
	require.Zero(t, ctx.broadcaster.count())

	// The genuine contract goes through and hits the network.
	openEvent, err := server.ProvideContract(contractTx)
	require.NoError(t, err)
	require.Equal(t, 1, ctx.broadcaster.count())

	broadcast := ctx.broadcaster.last(t)
	broadcast.event.Confirmed <- broadcast.tx
	waitDone(t, openEvent.Done())
	require.NoError(t, openEvent.Err())
	require.Equal(t, ServerReady, server.State())
}

// TestServerContractBroadcastRejected asserts that a contract the network
// refuses fails the channel before anything was persisted.
func TestServerContractBroadcastRejected(t *testing.T) {
	t.Parallel()

	errMempool := errors.New("txn-mempool-conflict")

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)

	contractTx := ctx.handshake(client, server)
	openEvent, err := server.ProvideContract(contractTx)
	require.NoError(t, err)

	ctx.broadcaster.last(t).event.Err <- errMempool
	waitDone(t, openEvent.Done())
	require.ErrorIs(t, openEvent.Err(), errMempool)
	require.Equal(t, ServerErrored, server.State())
	require.ErrorIs(t, server.Err(), errMempool)

	// Nothing was recorded for a channel that never opened.
	channelID, err := server.ChannelID()
	require.NoError(t, err)
	require.Nil(t, ctx.serverRecord(channelID))

	// A failed channel can no longer be closed into a settlement.
	_, err = server.Close()
	require.ErrorIs(t, err, ErrInvalidState)
}

// TestServerPaymentValidation asserts every payment check in turn: the
// first-payment minimum, strict monotonicity, the channel total, the dust
// floor, and the signature policy. The best value must stand unmoved
// through every refusal.
func TestServerPaymentValidation(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)
	ctx.openChannel(client, server)

	mode := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay

	// The first payment must cover the negotiated minimum.
	lowSig := ctx.signPayment(client, testMinPayment-1, mode)
	err := server.IncrementPayment(testMinPayment-1, lowSig)
	require.ErrorIs(t, err, ErrValueOutOfRange)
	require.Zero(t, server.BestValueToMe())

	firstSig := ctx.signPayment(client, testMinPayment, mode)
	require.NoError(t, server.IncrementPayment(testMinPayment, firstSig))
	require.Equal(t, testMinPayment, server.BestValueToMe())

	// Replays and retreats are refused.
	err = server.IncrementPayment(testMinPayment, firstSig)
	require.ErrorIs(t, err, ErrValueOutOfRange)

	lowerSig := ctx.signPayment(client, testMinPayment-2_000, mode)
	err = server.IncrementPayment(testMinPayment-2_000, lowerSig)
	require.ErrorIs(t, err, ErrValueOutOfRange)
	require.Equal(t, testMinPayment, server.BestValueToMe())

	// Claims beyond the channel total or into the dust floor fail before
	// any signature is looked at.
	err = server.IncrementPayment(testChannelValue+1, firstSig)
	require.ErrorIs(t, err, ErrValueOutOfRange)

	dust := ctx.builder.DustThreshold()
	err = server.IncrementPayment(testChannelValue-dust+1, firstSig)
	require.ErrorIs(t, err, ErrValueOutOfRange)

	// Signature policy: garbage bytes, a forbidden sighash mode, and a
	// signature over a different value are all ErrBadSignature.
	err = server.IncrementPayment(20_000, []byte{0x30, 0x01})
	require.ErrorIs(t, err, ErrBadSignature)

	allSig := ctx.signPayment(client, 20_000, txscript.SigHashAll)
	err = server.IncrementPayment(20_000, allSig)
	require.ErrorIs(t, err, ErrBadSignature)

	otherValueSig := ctx.signPayment(client, 21_000, mode)
	err = server.IncrementPayment(20_000, otherValueSig)
	require.ErrorIs(t, err, ErrBadSignature)

	// One flipped bit in an otherwise genuine signature is enough.
	flipped := ctx.signPayment(client, 20_000, mode)
	flipped[8] ^= 0x01
	err = server.IncrementPayment(20_000, flipped)
	require.ErrorIs(t, err, ErrBadSignature)

	require.Equal(t, testMinPayment, server.BestValueToMe())

	// A genuine raise still works after all the refused attempts, and
	// lands in the registry signature and all.
	goodSig := ctx.signPayment(client, 20_000, mode)
	require.NoError(t, server.IncrementPayment(20_000, goodSig))
	require.Equal(t, btcutil.Amount(20_000), server.BestValueToMe())

	channelID, err := server.ChannelID()
	require.NoError(t, err)
	record := ctx.serverRecord(channelID)
	require.NotNil(t, record)
	require.Equal(t, btcutil.Amount(20_000), record.BestValueToMe)
	require.Equal(t, goodSig, record.BestValueSig)
}

// TestServerCloseNoPayments asserts that closing an unpaid channel settles
// nothing: the registry entry is forgotten and the contract output left to
// the client's refund.
func TestServerCloseNoPayments(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)
	ctx.openChannel(client, server)

	channelID, err := server.ChannelID()
	require.NoError(t, err)
	require.NotNil(t, ctx.serverRecord(channelID))

	closeEvent, err := server.Close()
	require.ErrorIs(t, err, ErrNoPayments)
	require.Equal(t, ServerClosed, server.State())
	require.Nil(t, ctx.serverRecord(channelID))

	waitDone(t, closeEvent.Done())
	settlement, eventErr := closeEvent.Outcome()
	require.Nil(t, settlement)
	require.ErrorIs(t, eventErr, ErrNoPayments)

	// Only the contract broadcast ever happened.
	require.Equal(t, 1, ctx.broadcaster.count())

	// Close stays idempotent about its event.
	again, err := server.Close()
	require.NoError(t, err)
	require.Same(t, closeEvent, again)
}

// TestServerCloseFeePolicy walks the close fee ladder: below the relay
// floor no settlement can exist, below the flat fee the close is not worth
// paying for, and in both cases the channel stays open for more payments
// until the value justifies the close.
func TestServerCloseFeePolicy(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)

	// A one-satoshi minimum lets the test drive the channel into the fee
	// corner cases.
	server := ctx.newServer(1)
	ctx.openChannel(client, server)

	mode := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay

	// Below the relay floor no settlement can exist.
	minFee := ctx.builder.MinSettlementFee()
	sig := ctx.signPayment(client, minFee-1, mode)
	require.NoError(t, server.IncrementPayment(minFee-1, sig))

	_, err := server.Close()
	require.ErrorIs(t, err, ErrValueOutOfRange)
	require.Equal(t, ServerReady, server.State())

	// Above the relay floor but below the flat fee the channel is still
	// not worth its own close.
	flatFee := ctx.builder.Estimator.ChannelTxFee()
	sig = ctx.signPayment(client, flatFee-1, mode)
	require.NoError(t, server.IncrementPayment(flatFee-1, sig))

	_, err = server.Close()
	require.ErrorIs(t, err, ErrFeesExceedValue)
	require.Equal(t, ServerReady, server.State())

	// The channel keeps accepting payments after refused closes and
	// settles normally once the value covers the fee.
	sig = ctx.signPayment(client, 50_000, mode)
	require.NoError(t, server.IncrementPayment(50_000, sig))

	closeEvent, err := server.Close()
	require.NoError(t, err)
	require.Equal(t, ServerClosing, server.State())

	broadcast := ctx.broadcaster.last(t)
	require.EqualValues(t, 50_000-flatFee, broadcast.tx.TxOut[1].Value)
	broadcast.event.Confirmed <- broadcast.tx
	waitDone(t, closeEvent.Done())

	settlement, eventErr := closeEvent.Outcome()
	require.NoError(t, eventErr)
	require.NotNil(t, settlement)
	require.Equal(t, ServerClosed, server.State())

	// A second close hands back the same settled event instead of
	// broadcasting again.
	again, err := server.Close()
	require.NoError(t, err)
	require.Same(t, closeEvent, again)
	require.Equal(t, 2, ctx.broadcaster.count())

	// Settled and done: no further payments.
	sig = ctx.signPayment(client, 60_000, mode)
	require.ErrorIs(
		t, server.IncrementPayment(60_000, sig), ErrInvalidState,
	)
}

// TestServerCloseBroadcastFailure asserts that a settlement the network
// refuses fails the channel but keeps the registry entry around, marked
// closing, for a later retry.
func TestServerCloseBroadcastFailure(t *testing.T) {
	t.Parallel()

	errReject := errors.New("insufficient priority")

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)
	ctx.openChannel(client, server)
	ctx.pay(client, server, 50_000)

	closeEvent, err := server.Close()
	require.NoError(t, err)

	ctx.broadcaster.last(t).event.Err <- errReject
	waitDone(t, closeEvent.Done())

	_, eventErr := closeEvent.Outcome()
	require.ErrorIs(t, eventErr, errReject)
	require.Equal(t, ServerErrored, server.State())
	require.ErrorIs(t, server.Err(), errReject)

	// The registry entry survives, marked closing, so the settlement can
	// be rebuilt and retried after a restart.
	channelID, err := server.ChannelID()
	require.NoError(t, err)
	record := ctx.serverRecord(channelID)
	require.NotNil(t, record)
	require.Equal(t, chandb.StatusClosing, record.Status)
}

// TestServerAbandonedSetup covers connections dying before a channel fully
// opens: closing mid-setup settles nothing, and a close racing the contract
// broadcast wins.
func TestServerAbandonedSetup(t *testing.T) {
	t.Parallel()

	t.Run("before refund", func(t *testing.T) {
		t.Parallel()

		ctx := newTestContext(t)
		server := ctx.newServer(testMinPayment)

		closeEvent, err := server.Close()
		require.NoError(t, err)
		require.Equal(t, ServerClosed, server.State())

		waitDone(t, closeEvent.Done())
		settlement, eventErr := closeEvent.Outcome()
		require.Nil(t, settlement)
		require.NoError(t, eventErr)

		_, err = server.ProvideRefundTransaction(
			wire.NewMsgTx(1), ctx.clientKey.PubKey(),
		)
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("during acceptance", func(t *testing.T) {
		t.Parallel()

		ctx := newTestContext(t)
		client := ctx.newClient(testChannelValue)
		server := ctx.newServer(testMinPayment)

		contractTx := ctx.handshake(client, server)
		openEvent, err := server.ProvideContract(contractTx)
		require.NoError(t, err)

		closeEvent, err := server.Close()
		require.NoError(t, err)
		require.Equal(t, ServerClosed, server.State())
		waitDone(t, closeEvent.Done())

		// The late acceptance resolves the open event with a failure
		// instead of reopening a closed channel.
		broadcast := ctx.broadcaster.last(t)
		broadcast.event.Confirmed <- broadcast.tx
		waitDone(t, openEvent.Done())
		require.ErrorIs(t, openEvent.Err(), ErrInvalidState)
		require.Equal(t, ServerClosed, server.State())
	})
}

// TestServerResume rebuilds a serving machine from nothing but its registry
// record and drives it through further payments and a settlement, the way a
// restart followed by a returning client would.
func TestServerResume(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)
	ctx.openChannel(client, server)
	ctx.pay(client, server, 25_000)

	channelID, err := server.ChannelID()
	require.NoError(t, err)
	record := ctx.serverRecord(channelID)
	require.NotNil(t, record)

	resumed, err := ResumeServer(ServerCfg{
		Builder:       ctx.builder,
		Broadcaster:   ctx.broadcaster,
		RecordChannel: ctx.recordServerChannel,
		RemoveChannel: ctx.removeServerChannel,
		MinPayment:    testMinPayment,
	}, record)
	require.NoError(t, err)

	require.Equal(t, ServerReady, resumed.State())
	require.Equal(t, btcutil.Amount(25_000), resumed.BestValueToMe())
	require.Equal(t, testChannelValue, resumed.TotalValue())
	require.Equal(t, ctx.expiry.Unix(), resumed.Expiry().Unix())

	resumedID, err := resumed.ChannelID()
	require.NoError(t, err)
	require.Equal(t, channelID, resumedID)

	// The original client can keep paying the resumed machine: the old
	// best value is already reflected on both sides.
	payment, err := client.IncrementPaymentBy(10_000)
	require.NoError(t, err)
	require.NoError(t, resumed.IncrementPayment(
		payment.Value, payment.Signature,
	))
	require.Equal(t, btcutil.Amount(35_000), resumed.BestValueToMe())

	// And the resumed machine settles like any other.
	closeEvent, err := resumed.Close()
	require.NoError(t, err)

	broadcast := ctx.broadcaster.last(t)
	flatFee := ctx.builder.Estimator.ChannelTxFee()
	require.EqualValues(t, 35_000-flatFee, broadcast.tx.TxOut[1].Value)
	require.NoError(t, contract.VerifyInputScript(
		broadcast.tx, 0, ctx.fundingOutput(client),
	))

	broadcast.event.Confirmed <- broadcast.tx
	waitDone(t, closeEvent.Done())
	_, eventErr := closeEvent.Outcome()
	require.NoError(t, eventErr)
	require.Nil(t, ctx.serverRecord(channelID))

	// Records missing their essentials are refused.
	_, err = ResumeServer(ServerCfg{
		Builder:     ctx.builder,
		Broadcaster: ctx.broadcaster,
	}, &chandb.ServerChannel{ID: channelID})
	require.Error(t, err)
}

// TestServerExhaustion asserts the channel's capacity edge: once the best
// payment leaves only dust for the client, nothing more can move.
func TestServerExhaustion(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	client := ctx.newClient(testChannelValue)
	server := ctx.newServer(testMinPayment)
	ctx.openChannel(client, server)

	require.False(t, server.Exhausted())

	// Drain the channel to its floor: everything but the dust change.
	dust := ctx.builder.DustThreshold()
	ctx.pay(client, server, testChannelValue-dust)
	require.True(t, server.Exhausted())

	_, err := client.IncrementPaymentBy(1)
	require.ErrorIs(t, err, ErrValueOutOfRange)
}

// TestServerRecordFailure asserts that a refusing registry blocks the open
// and any payment: the machine must never hold value a restart would
// forget.
func TestServerRecordFailure(t *testing.T) {
	t.Parallel()

	errRegistry := errors.New("registry unavailable")

	t.Run("at open", func(t *testing.T) {
		t.Parallel()

		ctx := newTestContext(t)
		client := ctx.newClient(testChannelValue)
		server := ctx.newServer(testMinPayment)

		contractTx := ctx.handshake(client, server)
		openEvent, err := server.ProvideContract(contractTx)
		require.NoError(t, err)

		ctx.setServerRecordErr(errRegistry)
		broadcast := ctx.broadcaster.last(t)
		broadcast.event.Confirmed <- broadcast.tx

		waitDone(t, openEvent.Done())
		require.ErrorIs(t, openEvent.Err(), errRegistry)
		require.Equal(t, ServerErrored, server.State())
	})

	t.Run("at payment", func(t *testing.T) {
		t.Parallel()

		ctx := newTestContext(t)
		client := ctx.newClient(testChannelValue)
		server := ctx.newServer(testMinPayment)
		ctx.openChannel(client, server)

		ctx.setServerRecordErr(errRegistry)
		payment, err := client.IncrementPaymentBy(testMinPayment)
		require.NoError(t, err)
		err = server.IncrementPayment(payment.Value, payment.Signature)
		require.ErrorIs(t, err, errRegistry)
		require.Zero(t, server.BestValueToMe())

		// Once the registry recovers the same payment goes through.
		ctx.setServerRecordErr(nil)
		require.NoError(t, server.IncrementPayment(
			payment.Value, payment.Signature,
		))
		require.Equal(t, payment.Value, server.BestValueToMe())
	})
}
