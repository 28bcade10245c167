/*
Package delegate holds the two implementations of the event bus capability contract:
EventBus, which owns a transport and keeps handlers, buffered traffic and login state across
reconnects, and Noop, used when the bus is disabled.
*/
package delegate
