// Package notifier turns a "stream went live" event into chat alerts.
//
// # Gate
//
// Gate suppresses repeat alerts inside a cooldown window. Its State is owned
// by the caller and lives in memory only; a restart forgets the last alert.
// TryAcquire is the only entry point the webhook uses: it checks and records
// under one lock, so two concurrent deliveries cannot both pass.
//
// # Alerter
//
// Alerter looks up the live stream on Twitch, builds a photo message with a
// link button and sends it to every recipient. The result is true only when
// every recipient received it. Outcomes are published on the event bus,
// written to the audit store and counted in metrics.
package notifier
