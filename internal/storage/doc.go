package storage

// Package storage persists the state that must survive a restart:
//   - dispatch tasks and their per-recipient progress
//   - the last accepted alert snapshot per agency
//   - the device registry (tokens and route subscriptions)
