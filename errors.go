package chatsync

import "github.com/pkg/errors"

var (
	// ErrNotConnected is returned by writes attempted without a live stream.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrMalformedEvent wraps every payload the Normalizer cannot map.
	ErrMalformedEvent = errors.New("chatsync: malformed event")

	// ErrLoadSuperseded is returned by a snapshot load that finished after a
	// newer load or a close had started. Its result is discarded.
	ErrLoadSuperseded = errors.New("chatsync: load superseded")

	ErrNoConversation = errors.New("chatsync: no open conversation")
)

func malformed(format string, args ...any) error {
	return errors.Wrapf(ErrMalformedEvent, format, args...)
}
