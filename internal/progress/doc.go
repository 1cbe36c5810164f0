// Package progress records the history of delivered status events. The bus
// taps every event into a Hub, which batches them on a background goroutine
// and fans the batches out to sinks such as logs, Prometheus collectors, the
// event store, Pub/Sub and Telegram.
package progress
