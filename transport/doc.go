// Package transport frames the line-delimited JSON used on stdin and
// stdout by kimigas.
//
// Every message occupies exactly one line. Reader hands the caller one
// line at a time and Writer serializes a value completely before taking
// its lock, so a failed marshal never leaves a partial line on the
// stream and concurrent writers never interleave.
//
// Two message shapes travel over these lines:
//   - JSON-RPC 2.0 envelopes (Message, Response, Request, Notification),
//     used by wire mode;
//   - role-tagged StreamMessage objects, used by print mode with
//     --input-format/--output-format stream-json.
package transport
