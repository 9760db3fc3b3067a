package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"golang.org/x/sys/unix"

	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/logging"
)

const (
	DeviceUpdated  string = "radmon.deviceUpdated"
	AlarmTriggered string = "radmon.alarmTriggered"
)

//go:generate moq -rm -out events_mock.go . EventSender

// EventSender delivers machine readable events to the subscribers that
// have registered an interest in a certain event type.
type EventSender interface {
	Send(ctx context.Context, eventType, deviceURN string, timestamp time.Time, data any) error
}

type eventSender struct {
	subscribers map[string][]SubscriberConfig
}

func New(notifications []Notification) EventSender {
	e := &eventSender{
		subscribers: make(map[string][]SubscriberConfig),
	}

	for _, n := range notifications {
		e.subscribers[n.Type] = append(e.subscribers[n.Type], n.Subscribers...)
	}

	return e
}

func (e *eventSender) Send(ctx context.Context, eventType, deviceURN string, timestamp time.Time, data any) error {
	subscribers, ok := e.subscribers[eventType]
	if !ok || len(subscribers) == 0 {
		return nil
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", deviceURN, timestamp.Unix()))
	event.SetTime(timestamp)
	event.SetSource("github.com/diwise/radiation-monitor")
	event.SetType(eventType)

	err = event.SetData(cloudevents.ApplicationJSON, data)
	if err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	for _, s := range subscribers {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.Endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send event to %s", s.Endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}
