// Package morse sends callsigns as Morse code: the character table, PARIS
// timing, a sine-tone synthesizer and the scheduler that drains the shared
// pileup queue while this participant holds the audio token.
package morse

// DebugMode enables per-entry render logging
var DebugMode bool
