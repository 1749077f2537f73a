// Package gateway defines the contract the scheduler uses to talk to
// external sending platforms and the deliverability scorer.
//
// One Gateway implementation exists per supported platform and is selected
// through a Registry by the spamcheck's platform field. Concrete HTTP clients
// live outside this repository; Sandbox is the in-process implementation
// used for local runs and tests.
package gateway
