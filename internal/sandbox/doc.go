// Package sandbox executes allow-listed commands on the local host.
//
// Five command kinds share one Result shape:
//
//   - shell: an explicit argv whose joined form starts with an allow-listed
//     prefix, run without a shell under a fixed environment
//   - file_read: a regular file under the size cap, outside the path deny-list
//   - file_list: one directory level as JSON entries
//   - service_status: "systemctl status" for a validated unit name
//   - system_info: a host snapshot from the metrics collector
//
// Every execution races a deadline. On timeout or Cancel the subprocess group
// is killed and the result carries return code -1.
package sandbox
