// Package httputil holds the JSON response and request helpers shared by the
// HTTP handlers. Error bodies always use the {"success": false, "error": ...}
// envelope.
package httputil
