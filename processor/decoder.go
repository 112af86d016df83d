package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"depthflow/models"
)

// ErrProtocolViolation is matched by every decode failure: the feed sent
// something the pipeline cannot safely process.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrInvalidEntry reports a price level that is not a [price, quantity] pair
// of decimal strings.
var ErrInvalidEntry = errors.New("invalid order entry")

// DecodeKind distinguishes the two protocol violations.
type DecodeKind int

const (
	// KindUpstreamError means the feed tagged the message as an error.
	KindUpstreamError DecodeKind = iota + 1
	// KindMalformed means the data envelope is absent or unreadable.
	KindMalformed
)

func (k DecodeKind) String() string {
	switch k {
	case KindUpstreamError:
		return "upstream_error"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError carries the offending frame for diagnostics.
type DecodeError struct {
	Kind DecodeKind
	Raw  []byte
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s message: %v: %s", ErrProtocolViolation, e.Kind, e.Err, e.Raw)
	}
	return fmt.Sprintf("%s: %s message: %s", ErrProtocolViolation, e.Kind, e.Raw)
}

func (e *DecodeError) Is(target error) bool { return target == ErrProtocolViolation }

func (e *DecodeError) Unwrap() error { return e.Err }

var jsonNull = []byte("null")

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// Decode validates one feed frame and extracts the depth update. The error
// marker is checked before the data envelope, and the envelope before any
// entry list is read.
func Decode(msg models.RawFeedMessage) (models.DepthUpdate, error) {
	var env models.BinanceDepthEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return models.DepthUpdate{}, &DecodeError{Kind: KindMalformed, Raw: msg.Payload, Err: err}
	}

	if present(env.Error) || present(env.Event) {
		return models.DepthUpdate{}, &DecodeError{Kind: KindUpstreamError, Raw: msg.Payload}
	}

	if env.Data == nil {
		return models.DepthUpdate{}, &DecodeError{Kind: KindMalformed, Raw: msg.Payload}
	}
	data := env.Data
	symbol := data.SymbolOrName()
	if symbol == "" {
		return models.DepthUpdate{}, &DecodeError{Kind: KindMalformed, Raw: msg.Payload, Err: errors.New("missing symbol")}
	}
	if data.Asks == nil || data.Bids == nil {
		return models.DepthUpdate{}, &DecodeError{Kind: KindMalformed, Raw: msg.Payload, Err: errors.New("missing ask or bid list")}
	}

	asks, err := parseEntries(*data.Asks)
	if err != nil {
		return models.DepthUpdate{}, &DecodeError{Kind: KindMalformed, Raw: msg.Payload, Err: fmt.Errorf("asks: %w", err)}
	}
	bids, err := parseEntries(*data.Bids)
	if err != nil {
		return models.DepthUpdate{}, &DecodeError{Kind: KindMalformed, Raw: msg.Payload, Err: fmt.Errorf("bids: %w", err)}
	}

	return models.DepthUpdate{
		Symbol:        symbol,
		EventTime:     data.Time,
		FirstUpdateID: data.FirstUpdateID,
		FinalUpdateID: data.FinalUpdateID,
		Asks:          asks,
		Bids:          bids,
		ReceivedAt:    msg.ReceivedAt,
	}, nil
}

func parseEntries(levels [][]string) ([]models.OrderEntry, error) {
	entries := make([]models.OrderEntry, 0, len(levels))
	for i, level := range levels {
		if len(level) != 2 {
			return nil, fmt.Errorf("%w: level %d has %d fields", ErrInvalidEntry, i, len(level))
		}
		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, fmt.Errorf("%w: level %d price %q", ErrInvalidEntry, i, level[0])
		}
		qty, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, fmt.Errorf("%w: level %d quantity %q", ErrInvalidEntry, i, level[1])
		}
		entries = append(entries, models.OrderEntry{Price: price, Quantity: qty})
	}
	return entries, nil
}
