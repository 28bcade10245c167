/*
Package kafka provides a Kafka transport for the event bus.
Every address maps to a topic (see Topic) that subscribed clients read from the end. Sends with a
reply handler carry a private reply topic and a correlation id in the record headers. Kafka cannot
tell whether anyone consumes a topic, so sends to an address without handlers are not reported.

The franz-go client lives behind the "franz" build tag; New accepts any Client.
*/
package kafka
