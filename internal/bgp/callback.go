package bgp

// StateCallback is a function invoked when a peer changes FSM state.
//
// External systems (route processors, dataplane programming, alerting)
// register callbacks via Manager.RegisterStateCallback to react to events
// such as a peer leaving Established, which should trigger route
// withdrawal.
//
// Callbacks are invoked synchronously by the manager's dispatch goroutine,
// before the StateChanges channel fan-out. Long-running operations should
// be dispatched asynchronously to avoid blocking the notification
// pipeline.
type StateCallback func(change StateChange)
