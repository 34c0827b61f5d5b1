// Package adminapi serves the JSON admin API of the dashboard.
package adminapi

// Init registers every admin route on the global webserver.
func Init() {
	registerWhatsAppRoutes()
	registerOprLogRoutes()
}
