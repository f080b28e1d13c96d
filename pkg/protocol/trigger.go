package protocol

import (
	"context"
)

// TriggerCallback receives the trigger payload each time a trigger fires.
type TriggerCallback func(ctx context.Context, data map[string]any) error

// Trigger is a long-running trigger source such as a cron schedule.
type Trigger interface {
	Start(ctx context.Context, callback TriggerCallback) error
	Stop(ctx context.Context) error
	Validate() error
}
