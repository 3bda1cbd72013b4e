// Package ipc routes datagrams between tasks through bounded mailboxes.
//
// An endpoint is a FIFO of whole messages with a depth bound and a
// message size cap. Senders block when the mailbox is full, receivers
// when it is empty; a send to an endpoint with a parked receiver hands
// the message over directly without touching the queue. Closing an
// endpoint settles every parked sender and receiver with a gone result
// and wakes pollers so they observe the closure.
package ipc
