package engine

import (
	"bufio"
	"context"
	"net"
	"os"
	"runtime"
	"strings"
	"time"
)

// LocalDiscoverer implements Discoverer (C1's environment-discovery input):
// it populates the sys.* variable table and the time-derived hard classes
// every agent run seeds the evaluation context with before evaluating any
// bundle, grounded on cf-execd.c's DetectEnvironment call and adapted from
// the teacher's fact-collection naming (collectOSFacts/collectNetworkFacts)
// repointed from remote SSH exec output to local os/net package calls.
type LocalDiscoverer struct{}

func NewLocalDiscoverer() *LocalDiscoverer { return &LocalDiscoverer{} }

func (d *LocalDiscoverer) Discover(ctx context.Context, now time.Time) (*Environment, error) {
	env := &Environment{
		Vars:         make(map[string]Variable),
		DiscoveredAt: now,
	}

	hostname, _ := os.Hostname()
	env.Vars["sys.host"] = Variable{Ref: "sys.host", Type: VarString, Value: hostname}
	env.Vars["sys.fqhost"] = Variable{Ref: "sys.fqhost", Type: VarString, Value: fqdn(hostname)}
	env.Vars["sys.os"] = Variable{Ref: "sys.os", Type: VarString, Value: runtime.GOOS}
	env.Vars["sys.arch"] = Variable{Ref: "sys.arch", Type: VarString, Value: runtime.GOARCH}
	env.Vars["sys.flavor"] = Variable{Ref: "sys.flavor", Type: VarString, Value: osFlavor()}
	env.Vars["sys.date"] = Variable{Ref: "sys.date", Type: VarString, Value: now.Format(time.RFC3339)}
	env.Vars["sys.workdir"] = Variable{Ref: "sys.workdir", Type: VarString, Value: defaultWorkDir()}

	if ips := localIPv4s(); len(ips) > 0 {
		list := make([]string, len(ips))
		copy(list, ips)
		env.Vars["sys.ips"] = Variable{Ref: "sys.ips", Type: VarSlist, Value: list}
		env.Vars["sys.ipv4"] = Variable{Ref: "sys.ipv4", Type: VarString, Value: list[0]}
	}

	env.Classes = timeClasses(now)
	env.Classes = append(env.Classes, Class{Name: CanonicalizeClassName(runtime.GOOS), Kind: ClassHard})
	env.Classes = append(env.Classes, Class{Name: CanonicalizeClassName(osFlavor()), Kind: ClassHard})

	return env, nil
}

// timeClasses mirrors cfengine's standard time-derived hard classes:
// minute buckets, the hour, the weekday, the day of month, the quarter,
// and the year, all recomputed once per Discover call.
func timeClasses(now time.Time) []Class {
	min := now.Minute()
	classes := []Class{
		{Name: "Min" + pad2(min-min%5), Kind: ClassHard},
		{Name: "Min" + pad2(min-min%5) + "_" + pad2((min-min%5+5)%60), Kind: ClassHard},
		{Name: "Hr" + pad2(now.Hour()), Kind: ClassHard},
		{Name: "Day" + itoa(now.Day()), Kind: ClassHard},
		{Name: now.Weekday().String(), Kind: ClassHard},
		{Name: now.Month().String(), Kind: ClassHard},
		{Name: "Yr" + itoa(now.Year()), Kind: ClassHard},
		{Name: "Qtr" + itoa((int(now.Month())-1)/3+1), Kind: ClassHard},
	}
	if now.Hour() < 12 {
		classes = append(classes, Class{Name: "Morning", Kind: ClassHard})
	} else {
		classes = append(classes, Class{Name: "Afternoon", Kind: ClassHard})
	}
	return classes
}

func pad2(n int) string {
	if n < 10 {
		return "0" + itoa(n)
	}
	return itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func fqdn(hostname string) string {
	addrs, err := net.LookupCNAME(hostname)
	if err != nil || addrs == "" {
		return hostname
	}
	return strings.TrimSuffix(addrs, ".")
}

func localIPv4s() []string {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, addr := range ifaces {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			out = append(out, v4.String())
		}
	}
	return out
}

// osFlavor reads /etc/os-release on Linux; other platforms report GOOS.
func osFlavor() string {
	if runtime.GOOS != "linux" {
		return runtime.GOOS
	}
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return "linux"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			return strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		}
	}
	return "linux"
}

func defaultWorkDir() string {
	if dir := os.Getenv("CFENGINED_WORKDIR"); dir != "" {
		return dir
	}
	return "/var/lib/cfengined"
}
