// Package domain holds the message and result types shared by the SES and SMTP
// transports and the HTTP layer.
package domain
