// Package scheduler registers triggers (cron, interval, one-shot) and enqueues
// their jobs into the task engine when they fire. It never runs jobs itself.
package scheduler
