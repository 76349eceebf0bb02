/*
Package config parses rchd's environment-derived and file-derived
configuration.

Env parses RCH_-prefixed, typed environment variables and collects every
parse error before returning, so a misconfigured daemon reports all of
its problems atomically instead of failing on the first bad variable.
Every parsed value is wrapped in a Sourced[T], tagging whether it came
from the environment or a compiled-in default — the same distinction a
reload needs to decide what an operator actually overrode.

Workers loads the declarative worker fleet file (YAML) consumed by
pkg/pool; a missing SSH identity file is a warning, not a startup
failure.
*/
package config
