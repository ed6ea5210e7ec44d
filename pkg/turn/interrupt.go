package turn

// Interrupter carries out a confirmed barge-in on both legs of the call.
type Interrupter interface {
	// ClearPlayback drops audio already queued for the caller.
	ClearPlayback() error
	// CancelResponse stops the engine's in-flight response.
	CancelResponse() error
}

// InterrupterFuncs adapts two functions to Interrupter.
type InterrupterFuncs struct {
	Clear  func() error
	Cancel func() error
}

func (f InterrupterFuncs) ClearPlayback() error {
	if f.Clear == nil {
		return nil
	}
	return f.Clear()
}

func (f InterrupterFuncs) CancelResponse() error {
	if f.Cancel == nil {
		return nil
	}
	return f.Cancel()
}
