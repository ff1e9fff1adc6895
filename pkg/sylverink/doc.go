// Package sylverink is the command line front end of a Sylver Ink note database.
//
// Every command opens the database file named by -db, performs one operation and saves
// the result. The serve and connect commands keep running and replicate the database with
// other peers until interrupted.
package sylverink
