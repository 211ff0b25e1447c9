package rules

// Builtin returns the default LOLBin rule set used when no rule file is
// configured. Technique IDs reference MITRE ATT&CK; they are descriptive
// metadata and play no part in matching.
func Builtin() []Rule {
	return []Rule{
		{
			Binary:             "powershell.exe",
			CommandPatterns:    []string{"-encodedcommand", "-enc ", "-nop", "downloadstring", "downloadfile", "iex(", "iex ", "frombase64string", "-windowstyle hidden", "invoke-webrequest", "invoke-expression"},
			ParentProcessHints: []string{"winword.exe", "excel.exe", "outlook.exe", "powerpnt.exe", "mshta.exe", "wscript.exe"},
			TechniqueID:        "T1059.001",
			Description:        "PowerShell invoked with obfuscation or download primitives",
			ReferenceURL:       "https://attack.mitre.org/techniques/T1059/001/",
			BaseSeverity:       SeverityHigh,
		},
		{
			Binary:             "certutil.exe",
			CommandPatterns:    []string{"-urlcache", "-decode", "-encode", "http://", "https://"},
			ParentProcessHints: []string{"cmd.exe", "powershell.exe"},
			TechniqueID:        "T1105",
			Description:        "certutil used as a downloader or decoder",
			ReferenceURL:       "https://lolbas-project.github.io/lolbas/Binaries/Certutil/",
			BaseSeverity:       SeverityHigh,
		},
		{
			Binary:          "bitsadmin.exe",
			CommandPatterns: []string{"/transfer", "/download", "/addfile", "http://", "https://"},
			TechniqueID:     "T1197",
			Description:     "BITS jobs abused for file transfer",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1197/",
			BaseSeverity:    SeverityMedium,
		},
		{
			Binary:             "mshta.exe",
			CommandPatterns:    []string{"http://", "https://", "javascript:", "vbscript:"},
			ParentProcessHints: []string{"winword.exe", "excel.exe", "outlook.exe"},
			TechniqueID:        "T1218.005",
			Description:        "mshta executing remote or inline script",
			ReferenceURL:       "https://attack.mitre.org/techniques/T1218/005/",
			BaseSeverity:       SeverityHigh,
		},
		{
			Binary:          "regsvr32.exe",
			CommandPatterns: []string{"/i:http", "scrobj.dll", "/u /s", "http://", "https://"},
			TechniqueID:     "T1218.010",
			Description:     "regsvr32 application whitelisting bypass",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1218/010/",
			BaseSeverity:    SeverityHigh,
		},
		{
			Binary:             "rundll32.exe",
			CommandPatterns:    []string{"javascript:", "comsvcs.dll", "minidump", "http://", "https://"},
			ParentProcessHints: []string{"winword.exe", "excel.exe"},
			TechniqueID:        "T1218.011",
			Description:        "rundll32 proxy execution or credential dumping",
			ReferenceURL:       "https://attack.mitre.org/techniques/T1218/011/",
			BaseSeverity:       SeverityHigh,
		},
		{
			Binary:          "wmic.exe",
			CommandPatterns: []string{"process call create", "/node:", "shadowcopy delete", "os get"},
			TechniqueID:     "T1047",
			Description:     "WMI used for remote execution or recon",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1047/",
			BaseSeverity:    SeverityMedium,
		},
		{
			Binary:          "schtasks.exe",
			CommandPatterns: []string{"/create", "/ru system", "/sc onlogon", "/sc onstart"},
			TechniqueID:     "T1053.005",
			Description:     "Scheduled task creation for persistence",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1053/005/",
			BaseSeverity:    SeverityMedium,
		},
		{
			Binary:          "cmstp.exe",
			CommandPatterns: []string{"/ni", "/s", ".inf"},
			TechniqueID:     "T1218.003",
			Description:     "cmstp INF installer abused for execution",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1218/003/",
			BaseSeverity:    SeverityHigh,
		},
		{
			Binary:          "msbuild.exe",
			CommandPatterns: []string{".csproj", ".xml", "/p:"},
			TechniqueID:     "T1127.001",
			Description:     "MSBuild inline task execution",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1127/001/",
			BaseSeverity:    SeverityHigh,
		},
		{
			Binary:             "wscript.exe",
			CommandPatterns:    []string{".js", ".vbs", ".jse", ".vbe", "//e:"},
			ParentProcessHints: []string{"winword.exe", "excel.exe", "outlook.exe"},
			TechniqueID:        "T1059.007",
			Description:        "Windows Script Host executing script payloads",
			ReferenceURL:       "https://attack.mitre.org/techniques/T1059/007/",
			BaseSeverity:       SeverityMedium,
		},
		{
			Binary:          "esentutl.exe",
			CommandPatterns: []string{"/y", "vss", "ntds.dit"},
			TechniqueID:     "T1003.003",
			Description:     "esentutl used to copy locked credential stores",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1003/003/",
			BaseSeverity:    SeverityCritical,
		},
		{
			Binary:          "curl.exe",
			CommandPatterns: []string{"-o ", "--output", "http://", "https://"},
			TechniqueID:     "T1105",
			Description:     "curl downloading tool ingress",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1105/",
			BaseSeverity:    SeverityLow,
		},
		{
			Binary:          "ntdsutil.exe",
			CommandPatterns: []string{"ifm", "create full"},
			TechniqueID:     "T1003.003",
			Description:     "ntdsutil dumping the AD database",
			ReferenceURL:    "https://attack.mitre.org/techniques/T1003/003/",
			BaseSeverity:    SeverityCritical,
		},
		{
			// Any invocation is recorded at low confidence; psexec rarely
			// appears on workstations outside administrative tooling.
			Binary:       "psexec.exe",
			TechniqueID:  "T1021.002",
			Description:  "PsExec lateral movement utility observed",
			ReferenceURL: "https://attack.mitre.org/techniques/T1021/002/",
			BaseSeverity: SeverityMedium,
		},
	}
}
