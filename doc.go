/*
Package fins implements the master side of the Omron FINS (Factory Interface
Network Service) protocol over UDP.

The Master sends FINS commands to PLCs and matches every inbound datagram back
to the request that is waiting for it. Each in-flight request holds one of the
255 service IDs (SID 0 is never used) until it is answered, times out or the
master disconnects.

# Quick Start

	cfg := fins.DefaultConfig()
	cfg.Remote.Host = "192.168.250.1"
	cfg.Remote.Node = 1

	logger, _ := zap.NewProduction()
	master, err := fins.NewUDPMaster(cfg, fins.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	if err := master.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer master.Disconnect(context.Background())

	plc := fins.NodeAddress{Network: 0, Node: 1, Unit: 0}
	words, err := master.ReadWords(ctx, plc, fins.NewIoAddress(fins.MemoryAreaDMWord, 100), 4)

Any Transport can be given to NewMaster instead; the master owns it and closes
it on Disconnect.

# Asynchronous Requests

Every operation has an Async form that returns a Future immediately. Argument
errors complete the future before any I/O happens:

	f := master.ReadWordsAsync(plc, fins.NewIoAddress(fins.MemoryAreaDMWord, 0), 10)
	// ...
	words, err := f.Wait(ctx)

Cancelling ctx ends the wait only. The request keeps its SID until the
response arrives, the response timeout expires or Disconnect is called.

# Configuration

Settings can be loaded from YAML:

	local:
	  node: 2
	remote:
	  host: 192.168.250.1
	  port: 9600
	  node: 1
	response_timeout: 500ms
	max_attempts: 3

	cfg, err := fins.LoadConfig("fins.yaml")

Options passed to NewMaster or NewUDPMaster override the file. With
max_attempts above 1 an unanswered request is sent again under a new SID.

# Interceptors

Interceptors wrap the blocking operations:

	metrics := fins.NewMetricsCollector()
	master.SetInterceptor(fins.ChainInterceptors(
		fins.ValidationInterceptor(),
		fins.LoggingInterceptor(logger),
		metrics.Interceptor(),
		fins.RetryInterceptorWithBackoff(3, 50*time.Millisecond, time.Second, logger),
	))

# Plugins

Plugins are registered with Use. A ConnectionPlugin is also told about every
Connect and Disconnect; ConnectionWatchdog uses this to report link events:

	watchdog := fins.NewConnectionWatchdog(0)
	_ = master.Use(watchdog)
	for evt := range watchdog.Events() {
		log.Printf("link %s", evt.Type)
	}

# Error Handling

Errors are struct types; use errors.As:

  - ConnectionError: bind, send or close failure, or use before Connect
  - ConnectionClosedError: the master disconnected
  - TimeoutError: no matching response in time
  - EndCodeError: the PLC refused the command
  - ProtocolError: malformed response data
  - AddressSpaceExhaustedError: 255 requests already in flight
  - InvalidArgumentError, AddressRangeError, IncompatibleMemoryAreaError: rejected locally

Receive loop errors that do not end the session are delivered on Err.

# Testing with the PLC Simulator

	sim, err := fins.NewPLCSimulator(fins.NewAddress("127.0.0.1", 0, 0, 10, 0))
	if err != nil {
		log.Fatal(err)
	}
	defer sim.Close()
	_ = sim.WriteMemory(fins.MemoryAreaDMWord, 100, []uint16{1, 2, 3, 4})

	cfg := fins.DefaultConfig()
	cfg.Remote.Port = sim.Addr().Port
*/
package fins
