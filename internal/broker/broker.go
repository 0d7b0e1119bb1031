// Copyright 2025-2026 The OpSentra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker holds the AMQP topology shared by the shipper and the
// aggregator, plus thin interfaces over the amqp client so broker-facing
// code can be exercised with fakes.
package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

const (
	// Exchange is the single topic-typed durable exchange all records
	// flow through.
	Exchange = "logs_exchange"

	// RawLogsQueue receives every published record.
	RawLogsQueue   = "raw-logs"
	RawLogsBinding = "logs.#"

	// EnrichedQueue receives analysis payloads from the enrichment service.
	EnrichedQueue   = "enriched"
	EnrichedBinding = "ai.#"
)

// RoutingKey labels a record so consumers can bind on any prefix.
func RoutingKey(service, hostOrIP string) string {
	return fmt.Sprintf("logs.%s.%s", service, hostOrIP)
}

// Channel is the subset of *amqp.Channel used by this project.
// *amqp.Channel satisfies it directly.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection is the subset of *amqp.Connection used by this project.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// DialFunc opens a broker connection. The default implementation wraps
// amqp.Dial; tests substitute fakes.
type DialFunc func(url string) (Connection, error)

// Dial opens a real AMQP connection.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	return c.Connection.Channel()
}
