// Command meshmapper ingests Meshtastic mesh traffic and maps node positions
// onto H3 cells.
package main

func main() {
	Execute()
}
