// Package ses sends mail through the Amazon SES v2 API: single messages, stored
// templates, bulk templated batches for the dispatcher, template management
// and account quota lookups.
package ses
