//go:build !cgo

package notify

import (
	"context"
	"errors"
)

var errKafkaUnavailable = errors.New("notify: kafka requires cgo")

type Kafka struct{}

func NewKafka(string, string) (*Kafka, error) { return nil, errKafkaUnavailable }

func (k *Kafka) Announce(context.Context, Announcement) error { return errKafkaUnavailable }

func (k *Kafka) Close() error { return nil }
