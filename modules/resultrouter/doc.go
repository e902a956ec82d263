// Package resultrouter delivers detection results and UI notifications to
// consumer execution contexts by message passing.
//
// A Loop is a single goroutine draining a FIFO of closures, the Go stand-in
// for a UI thread or coordination thread. A Router holds named routes, each
// a (Loop, Handler) pair, and posts events onto them. Handlers therefore
// never run on the publisher's goroutine and never run concurrently with
// other work on the same Loop.
//
// # Basic Usage
//
//	ui := resultrouter.NewLoop("ui", logger)
//	go ui.Run(ctx)
//
//	router := resultrouter.New(logger)
//	router.Attach("ui", ui, func(e resultrouter.Event) {
//	    switch ev := e.(type) {
//	    case resultrouter.Success:
//	        drawBox(ev.Code)
//	    case resultrouter.Empty:
//	        clearBoxes()
//	    }
//	})
//
//	// Detection worker side (one batch per frame)
//	router.Publish(resultrouter.Success{...}, resultrouter.Success{...})
//
// # Delivery
//
// FIFO within a route, nothing across routes, no retries. Events posted to
// a Loop that has quit are dropped and counted.
package resultrouter
