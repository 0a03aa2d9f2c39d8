// Command busdeck inspects and repairs Service Bus style queues and
// subscriptions: counts, paging, targeted deletes, purges, dead-letter
// resubmits and sends.
//
// Install:
//
//	go install github.com/nuetzliches/busdeck/cmd/busdeck@latest
//
// Usage:
//
//	busdeck counts --entity orders
//	busdeck serve --config ./busdeck.yaml --pid-file ./busdeck.pid
package main
