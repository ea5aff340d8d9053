/*
Package types defines the contracts shared between the blobfs components: the
remote BlobStore interface, listing and property records, and the directory
marker conventions used to simulate directories in a flat key space.

# Directory markers

A remote directory exists when any of the following holds:

  - a zero-size object named after the directory carries hdi_isfolder=true
  - an object named "<dir>/" exists
  - any object is named with the prefix "<dir>/"

Objects whose names end in ".directory" are a deprecated marker form. They are
tolerated by emptiness checks and otherwise treated as ordinary files.
*/
package types
