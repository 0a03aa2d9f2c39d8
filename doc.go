/*
Package busdeck documents the busdeck module.

This module is CLI-first and ships the busdeck command:

	go install github.com/nuetzliches/busdeck/cmd/busdeck@latest

The backends (Azure Service Bus, an in-memory emulator and a SQL emulator on
SQLite or Postgres) live under internal/broker. Implementation packages are
internal and are not a stable public Go API.
*/
package busdeck
