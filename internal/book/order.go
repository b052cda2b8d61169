package book

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"PerpBook/internal/ledger"
)

// Kind discriminates order variants. IOC orders carry ExpireAt and never
// rest; limit orders may carry PostOnly.
type Kind int32

const (
	KindLimit Kind = iota
	KindIOC
)

func (k Kind) String() string {
	switch k {
	case KindLimit:
		return "limit"
	case KindIOC:
		return "ioc"
	default:
		return "unknown"
	}
}

// Order is the immutable signed payload a trader submits. Identity is the
// content hash of all fields; only the lifecycle record mutates.
type Order struct {
	Market     string
	Trader     ledger.Address
	Size       int64 // size scale, signed (+long / -short)
	Price      int64 // price scale
	Salt       uint64
	ReduceOnly bool
	PostOnly   bool
	Kind       Kind
	ExpireAt   int64 // unix seconds, IOC only
}

// IsLong reports the market side implied by the size sign.
func (o *Order) IsLong() bool {
	return o.Size > 0
}

// OrderHash is the SHA-256 content hash identifying an order.
type OrderHash [32]byte

func (h OrderHash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// ParseOrderHash decodes a 0x-prefixed hex hash.
func ParseOrderHash(s string) (OrderHash, bool) {
	if len(s) == 66 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return OrderHash{}, false
	}
	var h OrderHash
	copy(h[:], raw)
	return h, true
}

// Hash computes the content hash over canonical bytes.
func (o *Order) Hash() OrderHash {
	return sha256.Sum256(o.canonicalBytes())
}

func (o *Order) canonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, byte(len(o.Market)))
	buf = append(buf, []byte(o.Market)...)

	buf = append(buf, byte(len(o.Trader)))
	buf = append(buf, []byte(o.Trader)...)

	buf = appendInt64LE(buf, o.Size)
	buf = appendInt64LE(buf, o.Price)

	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], o.Salt)
	buf = append(buf, salt[:]...)

	flags := byte(0)
	if o.ReduceOnly {
		flags |= 1
	}
	if o.PostOnly {
		flags |= 2
	}
	buf = append(buf, flags)

	buf = append(buf, byte(o.Kind))
	buf = appendInt64LE(buf, o.ExpireAt)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// Status is an order lifecycle state.
type Status int32

const (
	StatusUnfilled Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusUnfilled:
		return "unfilled"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// StatusChange is one appended (block, status) tuple in an order's history.
type StatusChange struct {
	Block  uint64
	Status Status
}

// Record is the mutable lifecycle record for a placed order. History is
// append-only; it is never rewritten, only extended.
type Record struct {
	Order          Order
	Status         Status
	FilledSize     int64 // signed, same sign as Order.Size
	ReservedMargin int64 // remaining escrow held for the unfilled remainder
	PlacedAtBlock  uint64
	History        []StatusChange
}

// Remaining returns the unfilled signed size.
func (r *Record) Remaining() int64 {
	return r.Order.Size - r.FilledSize
}

func (r *Record) transition(status Status, block uint64) {
	r.Status = status
	r.History = append(r.History, StatusChange{Block: block, Status: status})
}
