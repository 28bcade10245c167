/*
Package rabbitmq provides an AMQP transport for the event bus.
Publishes go through a topic exchange keyed by address, sends go to a per-address queue shared by
all handlers, and replies use RabbitMQ direct reply-to. Unroutable sends come back as
ErrAddressNotFound.
*/
package rabbitmq
