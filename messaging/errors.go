package messaging

import "errors"

var (
	// ErrChannelAlreadyExists is returned by Registry.Build for a taken name
	ErrChannelAlreadyExists = errors.New("channel_already_exists")
	// ErrStreamQualifier is returned by Invoke for stream/ qualifiers
	ErrStreamQualifier = errors.New("stream qualifiers must be invoked with InvokeStream")
	// ErrNotStreamQualifier is returned by InvokeStream without the stream/ prefix
	ErrNotStreamQualifier = errors.New("InvokeStream requires a stream/ qualifier")
	// ErrChannelClosed is returned by operations on a closed channel
	ErrChannelClosed = errors.New("channel closed")
	// ErrReplyStreamClosed is returned when the reply consumer stops before an answer arrives
	ErrReplyStreamClosed = errors.New("reply consumer closed")
)
