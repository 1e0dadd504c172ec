package broker

import "errors"

// Static errors returned by the public API.
var (
	ErrObserverNil = errors.New("observer cannot be nil")

	ErrTopicNameEmpty        = errors.New("topic name cannot be empty")
	ErrSubscriptionNameEmpty = errors.New("subscription name cannot be empty")

	ErrSubscriptionConfigConflict = errors.New("subscription already exists with a different configuration")
	ErrInvalidCronExpression      = errors.New("invalid cron expression")
	ErrInvalidConsumptionMode     = errors.New("invalid consumption mode")
	ErrInvalidRetryStrategy       = errors.New("invalid retry strategy")
	ErrInvalidStartPosition       = errors.New("invalid start position")

	ErrBrokerClosed     = errors.New("broker is closed")
	ErrMessageNotFound  = errors.New("message not found")
	ErrScheduleNotFound = errors.New("scheduled message not found")

	ErrConfigDSNEmpty = errors.New("config: dsn cannot be empty")

	ErrUnsupportedConfigFormat = errors.New("unsupported configuration file format")
)
