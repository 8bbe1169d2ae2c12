// Package tcp implements a bidirectional TCP channel, listener, and
// connector: a fully asynchronous byte-stream layer built on the
// concurrency.Pool task runtime and the poller.Poller edge-triggered
// demultiplexer.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package tcp
