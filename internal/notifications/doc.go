// Package notifications decides when and through which channel a
// notification reaches the user.
//
// Creating a notification first derives its VIP level from the sender and
// urgency keywords, then picks a delivery time. The first matching rule wins:
//
//  1. critical priority or emergency VIP level: now
//  2. VIP level vip with VIPAlwaysThrough (or a contact marked AlwaysAllow): now
//  3. user in a meeting that may not be interrupted: meeting end + buffer
//  4. inside quiet hours with medium or low priority: end of quiet hours
//  5. time-sensitive traffic alerts: ahead of the departure time
//  6. otherwise: now
//
// Future deliveries are armed as one-shot timers and re-armed on Start.
package notifications
