// Package notify turns lifecycle and billing events into user notifications.
//
// The Dispatcher subscribes to an events.Bus and, for every event, renders a
// Notification and hands it to a Notifier. Two notifiers ship with the
// package: LogNotifier writes structured log lines and WebhookNotifier POSTs
// signed JSON to an external delivery service with exponential backoff.
//
// Deduper guards the scheduled notices (expiring soon, trial ending) so a
// user hears about the same subscription and threshold at most once per
// window. RedisDeduper uses SET NX with a TTL; LogDeduper checks and appends
// to the notification log in the database.
package notify
