// Package harness provides scenario testing for the DDP engine.
//
// The harness drives a real engine against the scripted mock server in
// internal/testutil over the in-memory transport, then compares the frames
// the client sent and the lifecycle callbacks it fired with golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	server:
//	  versions: ["1"]
//	  hold: [slowMethod]
//	  methods:
//	    echo: { result: "hi" }
//	  publications:
//	    users:
//	      docs:
//	        - { collection: users, id: u1, fields: { name: A } }
//	steps:
//	  - connect: {}
//	  - call: { method: echo, expect_result: "hi" }
//	  - subscribe: { name: users }
//	  - expect_collection: { name: users, docs: [{ _id: u1, name: A }] }
//	  - server: { msg: ping, id: p1 }
//	  - expect_sent: { msg: pong, id: p1 }
//	  - disconnect: {}
//
// # Step Types
//
//   - connect: dials and waits for connected (or closed with expect: closed)
//   - disconnect: closes and waits for closed (disconnected with reconnect)
//   - call: invokes a method and checks its result or error
//   - subscribe: opens a subscription and waits for ready or nosub
//   - unsubscribe: stops a subscription, optionally checking its error
//   - ping: sends an explicit heartbeat
//   - server: pushes a raw message from the server
//   - expect_sent: waits for a client frame containing the given fields
//   - expect_collection: waits until a collection holds exactly the docs
//
// # Deterministic Testing
//
// Session tokens come from a fixed sequence, request ids start at "1" and
// the heartbeat and reconnect timers never fire within a scenario. Steps
// that push server messages should be followed by an expectation so the
// next client frame cannot overtake the reaction. This keeps traces
// identical across runs for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/login.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
