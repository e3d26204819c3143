package chanwire

// MaxSignatureSize is the largest serialized signature the protocol will
// transport: a maximal 72 byte DER encoding plus the sighash flag byte.
const MaxSignatureSize = 73

// Signature is a DER encoded ECDSA signature followed by its sighash flag
// byte, exactly the form pushed in a transaction input script. The codec
// transports it opaquely; parsing and verification happen at the channel
// layer.
type Signature []byte
