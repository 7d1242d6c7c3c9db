// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import "expvar"

// serviceMetrics record service activity counters.
type serviceMetrics struct {
	frameRecv      expvar.Int
	frameSent      expvar.Int
	frameDropped   expvar.Int // frames that could not be decoded
	callIn         expvar.Int // number of inbound calls received
	callInErr      expvar.Int // number of inbound calls reporting an error
	threadedActive expvar.Int // inbound calls running on worker goroutines
	callOut        expvar.Int // number of outbound calls initiated
	callOutErr     expvar.Int // number of outbound calls that could not be sent
	callPending    expvar.Int // outbound
	reconnects     expvar.Int // successful connects of outbound connections

	emap *expvar.Map
}

func newServiceMetrics() *serviceMetrics {
	sm := &serviceMetrics{emap: new(expvar.Map)}
	sm.emap.Set("frames_received", &sm.frameRecv)
	sm.emap.Set("frames_sent", &sm.frameSent)
	sm.emap.Set("frames_dropped", &sm.frameDropped)
	sm.emap.Set("calls_in", &sm.callIn)
	sm.emap.Set("calls_in_failed", &sm.callInErr)
	sm.emap.Set("calls_threaded_active", &sm.threadedActive)
	sm.emap.Set("calls_out", &sm.callOut)
	sm.emap.Set("calls_out_failed", &sm.callOutErr)
	sm.emap.Set("calls_pending", &sm.callPending)
	sm.emap.Set("reconnects", &sm.reconnects)
	return sm
}
